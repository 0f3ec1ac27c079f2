// Package money содержит утилиты для денежных сумм с точностью
// до двух знаков после запятой.
package money

import "math"

// Round округляет сумму до копеек.
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}

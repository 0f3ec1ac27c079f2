package httpadmin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/rewardly/taskbot/internal/httpadmin/response"
	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/services/taskengine"
)

// RejectRequest тело запроса отклонения попытки.
type RejectRequest struct {
	AdminID int64  `json:"admin_id" validate:"required"`
	Reason  string `json:"reason"`
}

// RejectHandler отклоняет попытку на ручной проверке.
type RejectHandler struct {
	log      *slog.Logger
	engine   Engine
	validate *validator.Validate
}

// NewRejectHandler создает новый экземпляр RejectHandler.
func NewRejectHandler(log *slog.Logger, engine Engine) *RejectHandler {
	return &RejectHandler{
		log:      log,
		engine:   engine,
		validate: validator.New(),
	}
}

func (h *RejectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "httpadmin.reject"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req RejectRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode request"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	attemptID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		log.Error("failed to decode id from url", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode id from url"))
		return
	}

	if err := h.engine.Reject(r.Context(), attemptID, req.AdminID, req.Reason); err != nil {
		if errors.Is(err, taskengine.ErrWrongStatus) {
			log.Warn("attempt is not awaiting review", slog.Int64("attempt_id", attemptID))
			w.WriteHeader(http.StatusConflict)
			render.JSON(w, r, response.Error("attempt is not awaiting review"))
			return
		}
		log.Error("failed to reject attempt", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not reject attempt"))
		return
	}

	log.Info("attempt rejected", slog.Int64("attempt_id", attemptID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"attempt_id": attemptID,
	}))
}

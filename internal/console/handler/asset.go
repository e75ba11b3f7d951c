package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/webasset-gate/internal/domain"
)

type AssetLister interface {
	ListAvailable(ctx context.Context, groups []string) []domain.AssetDefinition
}

type AssetHandler struct {
	lister AssetLister
}

func NewAssetHandler(l AssetLister) *AssetHandler {
	return &AssetHandler{lister: l}
}

// List — GET /assets, только доступные группам оператора. Секреты в ответ не попадают.
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	assets := h.lister.ListAvailable(r.Context(), c.Groups)
	if assets == nil {
		assets = []domain.AssetDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

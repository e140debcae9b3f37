package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/proofbundle"
)

// ExportBundle handles POST /ops/proof-bundles/export. Bundles land under
// baseDir/<tenant>/<bundleId>.
func ExportBundle(exp *proofbundle.Exporter, baseDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StreamIDs []string `json:"streamIds"`
			Attest    bool     `json:"attest"`
		}
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		tenantID := tenant(r)
		bundleID := "bundle_" + uuid.NewString()
		dir := filepath.Join(baseDir, tenantID, bundleID)
		manifest, err := exp.Export(r.Context(), proofbundle.ExportRequest{
			TenantID:  tenantID,
			StreamIDs: req.StreamIDs,
			Dir:       dir,
			Attest:    req.Attest,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"bundleId": bundleID,
			"dir":      dir,
			"manifest": manifest,
		})
	}
}

// VerifyBundle handles POST /ops/proof-bundles/verify.
func VerifyBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Dir    string `json:"dir"`
			Strict bool   `json:"strict"`
		}
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		if req.Dir == "" {
			respondError(w, core.NewError(core.CodeValidationRequired, "dir is required"))
			return
		}
		report, err := (&proofbundle.Verifier{Strict: req.Strict}).Verify(req.Dir)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, report)
	}
}

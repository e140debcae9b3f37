// Package proofbundle exports JobProofBundle.v1 directories and verifies
// them. A bundle carries canonical-JSON event logs, governance history, key
// material, and a hash manifest, so a third party can re-derive every chain
// and signature without trusting the exporting server.
package proofbundle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

// Bundle layout paths, relative to the bundle root.
const (
	ManifestVersion = "ProofBundleManifest.v1"
	BundleVersion   = "JobProofBundle.v1"

	pathEvents             = "events/events.jsonl"
	pathPayloadMaterial    = "events/payload_material.jsonl"
	pathGovEvents          = "governance/events/events.jsonl"
	pathGovPayloadMaterial = "governance/events/payload_material.jsonl"
	pathGovSnapshot        = "governance/snapshot.json"
	pathPublicKeys         = "keys/public_keys.json"
	pathJobSnapshot        = "job/snapshot.json"
	pathManifest           = "manifest.json"
	pathAttestation        = "attestation/bundle_head_attestation.json"
	pathReport             = "verify/verification_report.json"
)

// Manifest is the ProofBundleManifest.v1 payload.
type Manifest struct {
	V            string         `json:"v"`
	Bundle       string         `json:"bundle"`
	TenantID     string         `json:"tenantId"`
	CreatedAt    int64          `json:"createdAt"`
	Files        []ManifestFile `json:"files"`
	ManifestHash string         `json:"manifestHash,omitempty"`
}

// ManifestFile pins one bundle file.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Attestation signs the manifest head under the server key.
type Attestation struct {
	ManifestHash string `json:"manifestHash"`
	SignerKeyID  string `json:"signerKeyId"`
	Signature    string `json:"signature"`
	SignedAt     int64  `json:"signedAt"`
}

// JobSnapshot pins the head of every exported stream.
type JobSnapshot struct {
	TenantID string                `json:"tenantId"`
	Streams  []core.StreamSnapshot `json:"streams"`
}

// Exporter writes bundles from the store.
type Exporter struct {
	store   store.Store
	keyring *signing.Keyring
	key     *signing.KeyPair // attestation signer; nil disables attestation
	clock   core.Clock
}

func NewExporter(s store.Store, kr *signing.Keyring, key *signing.KeyPair, clock core.Clock) *Exporter {
	return &Exporter{store: s, keyring: kr, key: key, clock: clock}
}

// ExportRequest selects what to bundle.
type ExportRequest struct {
	TenantID  string   `json:"tenantId"`
	StreamIDs []string `json:"streamIds"`
	Dir       string   `json:"dir"`
	Attest    bool     `json:"attest"`
}

// Export writes a JobProofBundle.v1 under req.Dir and returns its manifest.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*Manifest, error) {
	if req.TenantID == "" || req.Dir == "" {
		return nil, core.NewError(core.CodeValidationRequired, "tenantId and dir are required")
	}
	if len(req.StreamIDs) == 0 {
		return nil, core.NewError(core.CodeValidationRequired, "at least one streamId is required")
	}

	var jobEvents, jobPayload bytes.Buffer
	snapshot := JobSnapshot{TenantID: req.TenantID}
	for _, streamID := range req.StreamIDs {
		evs, err := e.store.StreamEvents(ctx, req.TenantID, streamID)
		if err != nil {
			return nil, err
		}
		if err := writeEventLines(&jobEvents, &jobPayload, evs); err != nil {
			return nil, err
		}
		snapshot.Streams = append(snapshot.Streams, eventchain.Snapshot(streamID, evs))
	}

	govEvents, err := e.store.StreamEvents(ctx, store.SystemTenant, core.GovernanceStream)
	if err != nil {
		return nil, err
	}
	var govLines, govPayload bytes.Buffer
	if err := writeEventLines(&govLines, &govPayload, govEvents); err != nil {
		return nil, err
	}
	govSnapshot, err := canonical.Marshal(eventchain.Snapshot(core.GovernanceStream, govEvents))
	if err != nil {
		return nil, err
	}
	keysJSON, err := canonical.Marshal(map[string]interface{}{"keys": e.keyring.PublicKeys()})
	if err != nil {
		return nil, err
	}
	jobSnapshotJSON, err := canonical.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	files := map[string][]byte{
		pathEvents:             jobEvents.Bytes(),
		pathPayloadMaterial:    jobPayload.Bytes(),
		pathGovEvents:          govLines.Bytes(),
		pathGovPayloadMaterial: govPayload.Bytes(),
		pathGovSnapshot:        govSnapshot,
		pathPublicKeys:         keysJSON,
		pathJobSnapshot:        jobSnapshotJSON,
	}

	manifest := &Manifest{
		V:         ManifestVersion,
		Bundle:    BundleVersion,
		TenantID:  req.TenantID,
		CreatedAt: e.clock.Now().UnixMilli(),
	}
	for _, p := range []string{
		pathEvents, pathPayloadMaterial,
		pathGovEvents, pathGovPayloadMaterial, pathGovSnapshot,
		pathPublicKeys, pathJobSnapshot,
	} {
		manifest.Files = append(manifest.Files, ManifestFile{Path: p, SHA256: canonical.HashBytes(files[p])})
	}
	manifest.ManifestHash, err = manifestHash(manifest)
	if err != nil {
		return nil, err
	}
	manifestJSON, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	files[pathManifest] = manifestJSON

	if req.Attest {
		if e.key == nil {
			return nil, core.NewError(core.CodeValidationInvalid, "attestation requested but no signing key configured")
		}
		sig, err := signing.Sign(manifest.ManifestHash, e.key.Private, signing.PurposeBundleAttestation,
			map[string]interface{}{"tenantId": req.TenantID})
		if err != nil {
			return nil, err
		}
		att := Attestation{
			ManifestHash: manifest.ManifestHash,
			SignerKeyID:  e.key.KeyID,
			Signature:    sig,
			SignedAt:     e.clock.Now().UnixMilli(),
		}
		attJSON, err := canonical.Marshal(att)
		if err != nil {
			return nil, err
		}
		files[pathAttestation] = attJSON
	}

	for p, body := range files {
		full := filepath.Join(req.Dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("bundle export: %w", err)
		}
		if err := os.WriteFile(full, body, 0o644); err != nil {
			return nil, fmt.Errorf("bundle export: %w", err)
		}
	}
	return manifest, nil
}

// manifestHash hashes the manifest minus the hash field itself.
func manifestHash(m *Manifest) (string, error) {
	cp := *m
	cp.ManifestHash = ""
	return canonical.Hash(&cp)
}

// writeEventLines appends one canonical-JSON line per event plus its payload
// material line {eventId, payload}.
func writeEventLines(events, payloads *bytes.Buffer, evs []core.Event) error {
	for _, ev := range evs {
		line, err := canonical.Marshal(ev)
		if err != nil {
			return err
		}
		events.Write(line)
		events.WriteByte('\n')

		material, err := canonical.Marshal(map[string]interface{}{
			"eventId": ev.ID,
			"payload": ev.Payload,
		})
		if err != nil {
			return err
		}
		payloads.Write(material)
		payloads.WriteByte('\n')
	}
	return nil
}

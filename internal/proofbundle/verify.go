package proofbundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/signing"
)

// Issue is one verification finding.
type Issue struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Path    string `json:"path,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

// Report is the VerificationReport.v1 written into verify/.
type Report struct {
	V            string  `json:"v"`
	OK           bool    `json:"ok"`
	Strict       bool    `json:"strict"`
	CheckedFiles int     `json:"checkedFiles"`
	Streams      int     `json:"streams"`
	Events       int     `json:"events"`
	Errors       []Issue `json:"errors"`
	Warnings     []Issue `json:"warnings"`
	Detail       *Issue  `json:"detail,omitempty"` // first error, for callers that want one reason
}

// Verifier checks exported bundles. It trusts nothing but the bytes in the
// bundle: key status is rederived from the governance log, never from the
// revocation fields in keys/public_keys.json.
type Verifier struct {
	Strict bool
}

// Verify checks the bundle under dir and writes verify/verification_report.json.
func (v *Verifier) Verify(dir string) (*Report, error) {
	report := &Report{V: "VerificationReport.v1", OK: true, Strict: v.Strict}
	fail := func(code, reason, path, eventID string) {
		report.Errors = append(report.Errors, Issue{Code: code, Reason: reason, Path: path, EventID: eventID})
	}

	manifestBytes, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(pathManifest)))
	if err != nil {
		return nil, fmt.Errorf("bundle verify: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("bundle verify: parse manifest: %w", err)
	}
	if manifest.V != ManifestVersion {
		if v.Strict {
			fail(core.CodeBundleIntegrity, "UNSUPPORTED_MANIFEST_VERSION", pathManifest, "")
		} else {
			report.Warnings = append(report.Warnings, Issue{Code: core.CodeBundleIntegrity,
				Reason: "UNSUPPORTED_MANIFEST_VERSION", Path: pathManifest})
		}
	}

	// 1. Manifest head and per-file hashes.
	wantHead, err := manifestHash(&manifest)
	if err != nil {
		return nil, err
	}
	if wantHead != manifest.ManifestHash {
		fail(core.CodeBundleIntegrity, "MANIFEST_HASH_MISMATCH", pathManifest, "")
	}
	fileBytes := make(map[string][]byte)
	for _, f := range manifest.Files {
		body, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			fail(core.CodeBundleIntegrity, "FILE_MISSING", f.Path, "")
			continue
		}
		report.CheckedFiles++
		if canonical.HashBytes(body) != f.SHA256 {
			fail(core.CodeBundleIntegrity, "FILE_HASH_MISMATCH", f.Path, "")
			continue
		}
		fileBytes[f.Path] = body
	}

	// 2. Replay governance and derive key status. The advisory revokedAt in
	// public_keys.json is deliberately ignored.
	govEvents, err := parseEventLines(fileBytes[pathGovEvents])
	if err != nil {
		fail(core.CodeBundleIntegrity, "GOVERNANCE_PARSE_FAILED", pathGovEvents, "")
	}
	keyring := signing.NewKeyring()
	if err := keyring.Rebuild(govEvents); err != nil {
		fail(core.CodeBundleIntegrity, "GOVERNANCE_REPLAY_FAILED", pathGovEvents, "")
	}

	// 3. Replay every chain and re-verify every event signature at its own
	// asserted time.
	jobEvents, err := parseEventLines(fileBytes[pathEvents])
	if err != nil {
		fail(core.CodeBundleIntegrity, "EVENTS_PARSE_FAILED", pathEvents, "")
	}
	streams := groupByStream(append(append([]core.Event{}, govEvents...), jobEvents...))
	report.Streams = len(streams)
	for streamID, evs := range streams {
		if err := eventchain.VerifyChain(evs); err != nil {
			fail(core.CodeBundleIntegrity, "CHAIN_MISMATCH", streamID, "")
			continue
		}
		for _, ev := range evs {
			report.Events++
			err := keyring.VerifyAt(ev.SignerKeyID, ev.ChainHash, ev.Signature,
				signing.PurposeEventChain,
				map[string]interface{}{"streamId": ev.StreamID, "tenantId": ev.TenantID},
				time.UnixMilli(ev.At))
			if err != nil {
				fail(core.CodeBundleIntegrity, signatureReason(err), ev.StreamID, ev.ID)
			}
		}
	}

	// 4. Snapshots must pin the replayed heads.
	v.checkSnapshots(report, fileBytes, streams, fail)

	// 5. Optional attestation over the manifest head.
	if attBytes, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(pathAttestation))); err == nil {
		var att Attestation
		if err := json.Unmarshal(attBytes, &att); err != nil || att.ManifestHash != manifest.ManifestHash {
			fail(core.CodeBundleIntegrity, "ATTESTATION_MISMATCH", pathAttestation, "")
		} else if err := keyring.VerifyAt(att.SignerKeyID, att.ManifestHash, att.Signature,
			signing.PurposeBundleAttestation,
			map[string]interface{}{"tenantId": manifest.TenantID},
			time.UnixMilli(att.SignedAt)); err != nil {
			fail(core.CodeBundleIntegrity, signatureReason(err), pathAttestation, "")
		}
	}

	if v.Strict && len(report.Warnings) > 0 {
		report.Errors = append(report.Errors, report.Warnings...)
		report.Warnings = nil
	}
	if len(report.Errors) > 0 {
		report.OK = false
		report.Detail = &report.Errors[0]
	}

	reportJSON, err := canonical.Marshal(report)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(dir, filepath.FromSlash(pathReport))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, reportJSON, 0o644); err != nil {
		return nil, err
	}
	return report, nil
}

func (v *Verifier) checkSnapshots(report *Report, fileBytes map[string][]byte, streams map[string][]core.Event, fail func(code, reason, path, eventID string)) {
	var job JobSnapshot
	if body, ok := fileBytes[pathJobSnapshot]; ok {
		if err := json.Unmarshal(body, &job); err != nil {
			fail(core.CodeBundleIntegrity, "SNAPSHOT_PARSE_FAILED", pathJobSnapshot, "")
			return
		}
		for _, snap := range job.Streams {
			got := eventchain.Snapshot(snap.StreamID, streams[snap.StreamID])
			if got != snap {
				fail(core.CodeBundleIntegrity, "SNAPSHOT_HEAD_MISMATCH", snap.StreamID, "")
			}
		}
	}
	var gov core.StreamSnapshot
	if body, ok := fileBytes[pathGovSnapshot]; ok {
		if err := json.Unmarshal(body, &gov); err != nil {
			fail(core.CodeBundleIntegrity, "SNAPSHOT_PARSE_FAILED", pathGovSnapshot, "")
			return
		}
		got := eventchain.Snapshot(core.GovernanceStream, streams[core.GovernanceStream])
		if got != gov {
			fail(core.CodeBundleIntegrity, "SNAPSHOT_HEAD_MISMATCH", pathGovSnapshot, "")
		}
	}
}

// signatureReason maps keyring errors to the stable report reasons.
func signatureReason(err error) string {
	if ce, ok := core.AsError(err); ok {
		switch ce.Code {
		case core.CodeSignerKeyRevoked:
			return "KEY_REVOKED"
		case core.CodeSignerKeyNotActive:
			return "KEY_NOT_ACTIVE"
		case core.CodeSignerKeyUnknown:
			return "KEY_UNKNOWN"
		}
	}
	return "SIGNATURE_INVALID"
}

func parseEventLines(body []byte) ([]core.Event, error) {
	var out []core.Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

func groupByStream(evs []core.Event) map[string][]core.Event {
	out := make(map[string][]core.Event)
	for _, ev := range evs {
		out[ev.StreamID] = append(out[ev.StreamID], ev)
	}
	return out
}

// Package audit implements the append-only, hash-linked audit entry
// chain. Each entry's hash commits to the previous entry's hash plus a
// canonical encoding of the entry itself, so tampering with any entry
// invalidates every entry after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

// GenesisHash seeds the chain for the very first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one link in the audit chain.
type Entry struct {
	ID            string
	Timestamp     time.Time
	Actor         string
	ActorID       string
	Action        string
	RiskLevel     planmodel.RiskLevel
	Target        string
	JobID         string
	PreviousHash  string
	EntryHash     string
	Details       map[string]any
}

// canonical renders the entry, excluding EntryHash, as a byte sequence
// with deterministic field order and sorted map keys so hashing is
// reproducible across processes.
func canonical(e Entry) ([]byte, error) {
	type wire struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"`
		Actor        string         `json:"actor"`
		ActorID      string         `json:"actorId,omitempty"`
		Action       string         `json:"action"`
		RiskLevel    string         `json:"riskLevel"`
		Target       string         `json:"target,omitempty"`
		JobID        string         `json:"jobId,omitempty"`
		PreviousHash string         `json:"previousHash"`
		Details      map[string]any `json:"details,omitempty"`
	}

	w := wire{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        e.Actor,
		ActorID:      e.ActorID,
		Action:       e.Action,
		RiskLevel:    string(e.RiskLevel),
		Target:       e.Target,
		JobID:        e.JobID,
		PreviousHash: e.PreviousHash,
		Details:      sortedCopy(e.Details),
	}
	return json.Marshal(w)
}

// sortedCopy re-encodes a map through a sorted-key intermediate so
// json.Marshal's own (already-sorted) map key order is made explicit and
// future-proof against any change in encoding/json's behavior.
func sortedCopy(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(in))
	for _, k := range keys {
		out[k] = in[k]
	}
	return out
}

// Hash computes entryHash = H(previousHash || canonical(entry_without_hash)).
func Hash(e Entry) (string, error) {
	payload, err := canonical(e)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(append([]byte(e.PreviousHash), payload...))
	return hex.EncodeToString(sum[:]), nil
}

// Append stamps e.EntryHash given the hash of the prior entry (or
// GenesisHash for the first entry in a chain) and returns the completed
// entry.
func Append(e Entry, previousHash string) (Entry, error) {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	e.PreviousHash = previousHash
	hash, err := Hash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash
	return e, nil
}

// VerifyChain checks that for every non-genesis entry, previousHash
// matches the prior entry's entryHash, and the entry's own hash
// recomputes correctly. entries must be in chain order.
func VerifyChain(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("audit: entry %d (%s) previousHash mismatch: got %s want %s", i, e.ID, e.PreviousHash, prev)
		}
		want, err := Hash(e)
		if err != nil {
			return fmt.Errorf("audit: entry %d (%s): %w", i, e.ID, err)
		}
		if want != e.EntryHash {
			return fmt.Errorf("audit: entry %d (%s) entryHash mismatch: got %s want %s", i, e.ID, e.EntryHash, want)
		}
		prev = e.EntryHash
	}
	return nil
}

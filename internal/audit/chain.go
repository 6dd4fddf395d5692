// Package audit provides the tamper-evident audit trail: a
// Merkle-chained, Ed25519-signed record of director/critic exchanges
// and security-relevant runtime events, plus a structured operational
// event logger.
package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Verdict is a critic's judgement of a director output.
type Verdict string

const (
	VerdictApproved      Verdict = "approved"
	VerdictRejected      Verdict = "rejected"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// canonicalTag is the verdict's form inside canonical entry data.
// Changing these breaks verification of every existing chain.
func (v Verdict) canonicalTag() string {
	switch v {
	case VerdictApproved:
		return "Approved"
	case VerdictRejected:
		return "Rejected"
	case VerdictNeedsRevision:
		return "NeedsRevision"
	default:
		return string(v)
	}
}

// IdentityKind discriminates who acted as critic.
type IdentityKind string

const (
	IdentityLLM   IdentityKind = "llm"
	IdentityHuman IdentityKind = "human"
)

// Identity records who produced the critic assessment.
type Identity struct {
	Kind    IdentityKind `json:"type"`
	ModelID string       `json:"model_id,omitempty"`
	UserID  string       `json:"user_id,omitempty"`
	Name    string       `json:"name,omitempty"`
}

// LLMIdentity builds an LLM critic identity.
func LLMIdentity(modelID string) Identity {
	return Identity{Kind: IdentityLLM, ModelID: modelID}
}

// HumanIdentity builds a human critic identity.
func HumanIdentity(userID, name string) Identity {
	return Identity{Kind: IdentityHuman, UserID: userID, Name: name}
}

// Entry is one link in the audit chain. Entries are append-only;
// nothing mutates or deletes them.
type Entry struct {
	EntryID              string             `json:"entry_id"`
	DirectorOutputHash   string             `json:"director_output_hash"`
	CriticAssessmentHash string             `json:"critic_assessment_hash"`
	Verdict              Verdict            `json:"verdict"`
	DimensionScores      map[string]float64 `json:"dimension_scores,omitempty"`
	Score                float64            `json:"score"`
	CriticIdentity       Identity           `json:"critic_identity"`
	Timestamp            time.Time          `json:"timestamp"`
	ChainHash            string             `json:"chain_hash"`
	Signature            string             `json:"signature"`
	Iteration            int                `json:"iteration"`
}

// RecordParams carries everything needed to append one exchange.
type RecordParams struct {
	DirectorOutput   string
	CriticAssessment string
	Verdict          Verdict
	DimensionScores  map[string]float64
	Score            float64
	CriticIdentity   Identity
	Iteration        int
}

// ChainIntegrityError identifies the first entry whose chain hash does
// not match the recomputed value.
type ChainIntegrityError struct {
	EntryIndex int
	Expected   string
	Found      string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation at entry %d: expected %s, found %s",
		e.EntryIndex, e.Expected, e.Found)
}

// InvalidSignatureError identifies the first entry whose signature
// fails verification.
type InvalidSignatureError struct {
	EntryIndex int
	Message    string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature at entry %d: %s", e.EntryIndex, e.Message)
}

// Chain is the single-writer audit chain. Concurrent producers must
// serialize externally; the chain's own lock only protects readers
// against a racing append.
type Chain struct {
	mu            sync.RWMutex
	entries       []Entry
	signingKey    ed25519.PrivateKey
	lastChainHash string

	// sink, when set, receives each entry as a JSON line at record
	// time. Failures are reported by Record but the in-memory chain
	// keeps the entry either way.
	sink io.Writer
}

// NewChain creates an audit chain signing with the given key.
func NewChain(signingKey ed25519.PrivateKey) *Chain {
	return &Chain{
		signingKey:    signingKey,
		lastChainHash: sha256Hex([]byte("genesis")),
	}
}

// WithSink sets a JSONL sink receiving every recorded entry.
func (c *Chain) WithSink(w io.Writer) *Chain {
	c.mu.Lock()
	c.sink = w
	c.mu.Unlock()
	return c
}

// Record appends one exchange to the chain, computing the chain hash
// over the previous hash and signing it.
func (c *Chain) Record(params RecordParams) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		EntryID:              uuid.NewString(),
		DirectorOutputHash:   sha256Hex([]byte(params.DirectorOutput)),
		CriticAssessmentHash: sha256Hex([]byte(params.CriticAssessment)),
		Verdict:              params.Verdict,
		DimensionScores:      params.DimensionScores,
		Score:                params.Score,
		CriticIdentity:       params.CriticIdentity,
		Timestamp:            time.Now().UTC(),
		Iteration:            params.Iteration,
	}

	chainInput := c.lastChainHash + canonicalEntryData(entry)
	entry.ChainHash = sha256Hex([]byte(chainInput))
	entry.Signature = hex.EncodeToString(ed25519.Sign(c.signingKey, []byte(entry.ChainHash)))

	c.lastChainHash = entry.ChainHash
	c.entries = append(c.entries, entry)

	if c.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return entry, fmt.Errorf("serialize audit entry: %w", err)
		}
		if _, err := c.sink.Write(append(line, '\n')); err != nil {
			return entry, fmt.Errorf("persist audit entry: %w", err)
		}
	}
	return entry, nil
}

// Entries returns a copy of the chain in append order.
func (c *Chain) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// VerifyingKey returns the public half of the signing key.
func (c *Chain) VerifyingKey() ed25519.PublicKey {
	return c.signingKey.Public().(ed25519.PublicKey)
}

// Verify checks the whole chain against the verifying key.
func (c *Chain) Verify(key ed25519.PublicKey) error {
	return VerifyChain(c.Entries(), key)
}

// VerifyChain recomputes every chain hash from genesis and verifies
// every signature. It is pure: repeated calls give the same result.
// The error identifies the first offending entry.
func VerifyChain(entries []Entry, key ed25519.PublicKey) error {
	expectedPrev := sha256Hex([]byte("genesis"))

	for i, entry := range entries {
		chainInput := expectedPrev + canonicalEntryData(entry)
		expected := sha256Hex([]byte(chainInput))
		if entry.ChainHash != expected {
			return &ChainIntegrityError{EntryIndex: i, Expected: expected, Found: entry.ChainHash}
		}

		sig, err := hex.DecodeString(entry.Signature)
		if err != nil {
			return &InvalidSignatureError{EntryIndex: i, Message: "hex decode failed: " + err.Error()}
		}
		if len(sig) != ed25519.SignatureSize {
			return &InvalidSignatureError{EntryIndex: i, Message: "signature must be 64 bytes"}
		}
		if !ed25519.Verify(key, []byte(entry.ChainHash), sig) {
			return &InvalidSignatureError{EntryIndex: i, Message: "ed25519 verification failed"}
		}

		expectedPrev = entry.ChainHash
	}
	return nil
}

// LoadEntries reads a JSONL stream written by a chain sink.
func LoadEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	dec := json.NewDecoder(r)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, fmt.Errorf("parse audit entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// canonicalEntryData is the byte string the chain hash commits to:
// entry_id|director_hash|critic_hash|verdict_tag|score|rfc3339|iteration.
func canonicalEntryData(e Entry) string {
	return e.EntryID + "|" +
		e.DirectorOutputHash + "|" +
		e.CriticAssessmentHash + "|" +
		e.Verdict.canonicalTag() + "|" +
		strconv.FormatFloat(e.Score, 'g', -1, 64) + "|" +
		e.Timestamp.Format(time.RFC3339) + "|" +
		strconv.Itoa(e.Iteration)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

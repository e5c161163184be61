package transcript

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

// DefaultSummaryTimeout bounds the post-call summary
const DefaultSummaryTimeout = 20 * time.Second

// Recorder accumulates speaker-attributed fragments for one call and
// persists them once. Sequences follow conversation item order, so late
// caller transcriptions still land in the right place.
type Recorder struct {
	repo           repositories.TranscriptRepository
	summarizer     repositories.Summarizer
	summaryTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	nextSeq int64
	itemSeq map[string]int64
	entries []entities.TranscriptEntry
	flushed bool
}

// NewRecorder creates a recorder. repo and summarizer may be nil.
func NewRecorder(repo repositories.TranscriptRepository, summarizer repositories.Summarizer, logger *zap.Logger) *Recorder {
	return &Recorder{
		repo:           repo,
		summarizer:     summarizer,
		summaryTimeout: DefaultSummaryTimeout,
		logger:         logger,
		itemSeq:        make(map[string]int64),
	}
}

// Sequence returns the sequence of a conversation item, assigning the next one on first sight
func (r *Recorder) Sequence(itemID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequenceLocked(itemID)
}

func (r *Recorder) sequenceLocked(itemID string) int64 {
	if itemID != "" {
		if seq, ok := r.itemSeq[itemID]; ok {
			return seq
		}
	}
	r.nextSeq++
	if itemID != "" {
		r.itemSeq[itemID] = r.nextSeq
	}
	return r.nextSeq
}

// Add records text spoken by speaker within a conversation item
func (r *Recorder) Add(speaker entities.Speaker, itemID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed {
		r.logger.Debug("Ignoring transcript fragment after flush", zap.String("itemID", itemID))
		return
	}
	r.entries = append(r.entries, entities.TranscriptEntry{
		Speaker:  speaker,
		Text:     text,
		Sequence: r.sequenceLocked(itemID),
	})
}

// AddEntry records a fragment with an explicit sequence
func (r *Recorder) AddEntry(entry entities.TranscriptEntry) {
	if strings.TrimSpace(entry.Text) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed {
		return
	}
	if entry.Sequence > r.nextSeq {
		r.nextSeq = entry.Sequence
	}
	r.entries = append(r.entries, entry)
}

// Len returns the number of recorded fragments
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns the fragments ordered by sequence
func (r *Recorder) Entries() []entities.TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedCopy(r.entries)
}

func sortedCopy(entries []entities.TranscriptEntry) []entities.TranscriptEntry {
	out := make([]entities.TranscriptEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Render joins entries into one speaker-labelled text
func Render(entries []entities.TranscriptEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		label := "Caller"
		if e.Speaker == entities.SpeakerAgent {
			label = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s", label, e.Text)
	}
	return sb.String()
}

// CallInfo is the call metadata stored with the transcript
type CallInfo struct {
	SessionID     string
	BusinessID    string
	CallSid       string
	CallerNumber  string
	Direction     entities.CallDirection
	StartedAt     time.Time
	Voice         string
	TurnDetection entities.TurnDetectionMode
}

// Flush sorts, summarizes and persists the transcript.
// Only the first call does anything; later calls return nil, nil.
func (r *Recorder) Flush(ctx context.Context, info CallInfo) (*entities.TranscriptRecord, error) {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return nil, nil
	}
	r.flushed = true
	entries := sortedCopy(r.entries)
	r.mu.Unlock()

	record := &entities.TranscriptRecord{
		SessionID:    info.SessionID,
		BusinessID:   info.BusinessID,
		CallSid:      info.CallSid,
		CallerNumber: info.CallerNumber,
		Direction:    info.Direction,
		StartedAt:    info.StartedAt,
		EndedAt:      time.Now(),
		Entries:      entries,
		Text:         Render(entries),
		Metadata: entities.TranscriptMetadata{
			Voice:         info.Voice,
			TurnDetection: info.TurnDetection,
			TotalEntries:  len(entries),
		},
	}

	if r.summarizer != nil && len(entries) > 0 {
		sctx, cancel := context.WithTimeout(ctx, r.summaryTimeout)
		summary, err := r.summarizer.Summarize(sctx, record.Text)
		cancel()
		if err != nil {
			r.logger.Warn("Failed to summarize transcript",
				zap.String("sessionID", info.SessionID),
				zap.Error(err))
		} else {
			record.Summary = summary
		}
	}

	if r.repo == nil {
		return record, nil
	}
	if err := r.repo.Save(ctx, record); err != nil {
		return record, fmt.Errorf("failed to save transcript: %w", err)
	}
	r.logger.Info("Transcript saved",
		zap.String("sessionID", info.SessionID),
		zap.Int("entries", len(entries)))
	return record, nil
}

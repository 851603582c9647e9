package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"synapse/api/internal/auth"
	"synapse/api/internal/config"
	"synapse/api/internal/ledger"
	"synapse/api/internal/review"
	"synapse/api/internal/search"
	"synapse/api/internal/store"
	"synapse/api/internal/util"
)

type PublishAck struct {
	PaperID string `json:"paper_id"`
	Status  string `json:"status"`
}

type ReviewInput struct {
	PaperID  string    `json:"paper_id"`
	Reviewer store.DID `json:"reviewer"`
	Vote     string    `json:"vote"`
	Weight   *float64  `json:"weight,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	Topic    string    `json:"topic,omitempty"`
}

type ReviewAck struct {
	PaperID  string             `json:"paper_id"`
	Accepted bool               `json:"accepted"`
	Tally    map[string]float64 `json:"tally"`
}

type BroadcastInput struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IntegrationResult struct {
	PaperID          string `json:"paper_id"`
	Integrated       bool   `json:"integrated"`
	BroadcastEventID string `json:"broadcast_event_id"`
}

type dataStore interface {
	Ping(context.Context) error
	InsertPaper(context.Context, store.Paper) (bool, error)
	GetPaper(context.Context, string) (store.Paper, error)
	ListPapers(context.Context) ([]store.Paper, error)
	InsertReview(context.Context, store.Review) (store.Review, error)
	ListReviews(context.Context, string) ([]store.Review, error)
	CountPriorApprovals(context.Context, string, string) (int, error)
	IntegratePaper(context.Context, string, []store.Claim, []store.GraphPatch, store.BroadcastEvent) (store.BroadcastEvent, error)
	InsertEvent(context.Context, store.BroadcastEvent) (store.BroadcastEvent, error)
	ListEvents(context.Context, *time.Time) ([]store.BroadcastEvent, error)
	GraphStats(context.Context) (store.GraphStats, error)
	ListEdgesAbout(context.Context, string) ([]store.Edge, error)
}

type broadcaster interface {
	Publish(context.Context, store.BroadcastEvent) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexClaims([]search.ClaimRecord)
	IndexPaper(search.PaperRecord)
}

type provenanceLedger interface {
	RecordIntegration(ledger.Bundle) (string, error)
	PaperHistory(string, int) ([]ledger.CommitInfo, error)
}

type bundleArchive interface {
	StoreBundle(ctx context.Context, paperID, eventID string, payload []byte) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searchService

	feed    broadcaster
	ledger  provenanceLedger
	archive bundleArchive

	// paperLocks serializes review tallying and integration per paper; the
	// database CAS on paper status is the authoritative guard, this keeps
	// weight computation and tally reads race-free.
	lockMu     sync.Mutex
	paperLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore dataStore, searchService searchService) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		search:     searchService,
		paperLocks: make(map[string]*sync.Mutex),
	}
}

// AttachFeed enables best-effort Redis fan-out of broadcast events.
func (s *Service) AttachFeed(feed broadcaster) {
	s.feed = feed
}

// AttachLedger enables the git provenance ledger.
func (s *Service) AttachLedger(ledger provenanceLedger) {
	s.ledger = ledger
}

// AttachArchive enables object-storage archiving of integration bundles.
func (s *Service) AttachArchive(archive bundleArchive) {
	s.archive = archive
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) paperLock(paperID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.paperLocks[paperID]
	if !ok {
		lock = &sync.Mutex{}
		s.paperLocks[paperID] = lock
	}
	return lock
}

// PublishPaper registers a paper and opens it for review.
func (s *Service) PublishPaper(ctx context.Context, paper store.Paper) (PublishAck, error) {
	paper.ID = strings.TrimSpace(paper.ID)
	paper.Title = strings.TrimSpace(paper.Title)
	if paper.ID == "" || paper.Title == "" {
		return PublishAck{}, domainError(http.StatusBadRequest, "INVALID_PAPER", "Paper id and title are required", nil)
	}
	for _, claim := range paper.Claims {
		if strings.TrimSpace(claim.ID) == "" {
			return PublishAck{}, domainError(http.StatusBadRequest, "INVALID_PAPER", "Every claim needs an id", nil)
		}
	}
	for i, patch := range paper.GraphPatch {
		if patch.Op != "add" {
			return PublishAck{}, domainError(http.StatusBadRequest, "INVALID_PATCH_OP", fmt.Sprintf("Unsupported patch op %q", patch.Op), map[string]any{"index": i})
		}
		if len(patch.Triple) != 3 {
			return PublishAck{}, domainError(http.StatusBadRequest, "INVALID_PATCH_TRIPLE", "Patch triple must have exactly subject, predicate, object", map[string]any{"index": i})
		}
		for _, part := range patch.Triple {
			if strings.TrimSpace(part) == "" {
				return PublishAck{}, domainError(http.StatusBadRequest, "INVALID_PATCH_TRIPLE", "Patch triple parts must be non-empty", map[string]any{"index": i})
			}
		}
	}

	inserted, err := s.store.InsertPaper(ctx, paper)
	if err != nil {
		return PublishAck{}, err
	}
	if !inserted {
		return PublishAck{}, domainError(http.StatusConflict, "PAPER_EXISTS", "Paper already exists", nil)
	}

	s.search.IndexPaper(search.PaperRecord{
		ID:       paper.ID,
		Title:    paper.Title,
		Abstract: paper.Abstract,
		Status:   store.PaperStatusUnderReview,
	})

	return PublishAck{PaperID: paper.ID, Status: "queued"}, nil
}

// SubmitReview records a weighted vote and returns the current tally plus an
// informational acceptance hint. The authoritative acceptance check happens
// again at integration time.
func (s *Service) SubmitReview(ctx context.Context, input ReviewInput) (ReviewAck, error) {
	if strings.TrimSpace(input.Reviewer.ID) == "" {
		return ReviewAck{}, domainError(http.StatusBadRequest, "INVALID_REVIEW", "Reviewer id is required", nil)
	}
	if !review.KnownVote(input.Vote) {
		return ReviewAck{}, domainError(http.StatusBadRequest, "INVALID_VOTE", fmt.Sprintf("Unknown vote kind %q", input.Vote), nil)
	}

	lock := s.paperLock(input.PaperID)
	lock.Lock()
	defer lock.Unlock()

	paper, err := s.store.GetPaper(ctx, input.PaperID)
	if err != nil {
		return ReviewAck{}, err
	}

	var weight float64
	if input.Weight != nil {
		// Explicit weights pass through the same bounds as computed ones.
		if !review.ValidExplicitWeight(*input.Weight) {
			return ReviewAck{}, domainError(http.StatusBadRequest, "INVALID_WEIGHT", fmt.Sprintf("Weight must be in (0, %v]", review.MaxWeight), nil)
		}
		weight = *input.Weight
	} else {
		// Weight reflects only reviews already recorded, never the one in
		// flight.
		priorApprovals, err := s.store.CountPriorApprovals(ctx, input.Reviewer.ID, input.Topic)
		if err != nil {
			return ReviewAck{}, err
		}
		weight = review.Weight(input.Topic, priorApprovals)
	}

	if _, err := s.store.InsertReview(ctx, store.Review{
		PaperID:    paper.ID,
		ReviewerID: input.Reviewer.ID,
		Pubkey:     input.Reviewer.Pubkey,
		Vote:       input.Vote,
		Weight:     weight,
		Topic:      input.Topic,
		Notes:      input.Notes,
	}); err != nil {
		return ReviewAck{}, err
	}

	tally, err := s.paperTally(ctx, paper.ID)
	if err != nil {
		return ReviewAck{}, err
	}

	return ReviewAck{
		PaperID:  paper.ID,
		Accepted: review.Accepted(tally),
		Tally:    tallyToMap(tally),
	}, nil
}

// paperTally recomputes the tally from the full review log so it can never
// drift from what was recorded.
func (s *Service) paperTally(ctx context.Context, paperID string) (map[review.Vote]float64, error) {
	reviews, err := s.store.ListReviews(ctx, paperID)
	if err != nil {
		return nil, err
	}
	votes := make([]review.WeightedVote, 0, len(reviews))
	for _, r := range reviews {
		votes = append(votes, review.WeightedVote{Vote: review.Vote(r.Vote), Weight: r.Weight})
	}
	return review.Tally(votes), nil
}

func tallyToMap(tally map[review.Vote]float64) map[string]float64 {
	out := make(map[string]float64, len(tally))
	for kind, sum := range tally {
		out[string(kind)] = sum
	}
	return out
}

// Integrate commits an accepted paper's graph patches and emits the
// broadcast event. The store applies the status flip, patches, and event in
// one transaction, so integration happens at most once per paper.
func (s *Service) Integrate(ctx context.Context, paperID, apiKey string) (IntegrationResult, error) {
	if s.cfg.GardenerToken == "" {
		return IntegrationResult{}, domainError(http.StatusServiceUnavailable, "INTEGRATION_NOT_CONFIGURED", "GARDENER_TOKEN is not configured; integration is disabled", nil)
	}
	if !auth.VerifyKey(s.cfg.GardenerToken, apiKey) {
		return IntegrationResult{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key", nil)
	}

	lock := s.paperLock(paperID)
	lock.Lock()
	defer lock.Unlock()

	paper, err := s.store.GetPaper(ctx, paperID)
	if err != nil {
		return IntegrationResult{}, err
	}
	if paper.Status == store.PaperStatusIntegrated {
		return IntegrationResult{}, domainError(http.StatusConflict, "ALREADY_INTEGRATED", "Paper has already been integrated", nil)
	}

	tally, err := s.paperTally(ctx, paperID)
	if err != nil {
		return IntegrationResult{}, err
	}
	if !review.Accepted(tally) {
		return IntegrationResult{}, domainError(http.StatusPreconditionFailed, "THRESHOLD_NOT_REACHED", "Review tally does not satisfy the acceptance threshold", map[string]any{"tally": tallyToMap(tally)})
	}

	payload, err := json.Marshal(map[string]any{
		"paper_id":   paper.ID,
		"graphPatch": paper.GraphPatch,
	})
	if err != nil {
		return IntegrationResult{}, fmt.Errorf("marshal event payload: %w", err)
	}
	event := store.BroadcastEvent{
		ID:      util.NewID("evt"),
		Kind:    "graph_patch",
		Payload: payload,
	}

	event, err = s.store.IntegratePaper(ctx, paper.ID, paper.Claims, paper.GraphPatch, event)
	if errors.Is(err, store.ErrAlreadyIntegrated) {
		return IntegrationResult{}, domainError(http.StatusConflict, "ALREADY_INTEGRATED", "Paper has already been integrated", nil)
	}
	if err != nil {
		return IntegrationResult{}, err
	}

	s.afterIntegration(ctx, paper, event, tallyToMap(tally))

	return IntegrationResult{
		PaperID:          paper.ID,
		Integrated:       true,
		BroadcastEventID: event.ID,
	}, nil
}

// afterIntegration fans the committed integration out to the optional
// collaborators. All of it is best-effort: the transaction already committed
// and /sync serves the durable log.
func (s *Service) afterIntegration(ctx context.Context, paper store.Paper, event store.BroadcastEvent, tally map[string]float64) {
	if s.feed != nil {
		if err := s.feed.Publish(ctx, event); err != nil {
			log.Printf("feed: publish event %s: %v", event.ID, err)
		}
	}

	claims := make([]search.ClaimRecord, 0, len(paper.Claims))
	for _, claim := range paper.Claims {
		claims = append(claims, search.ClaimRecord{ID: claim.ID, Text: claim.Text, Topic: claim.Topic})
	}
	s.search.IndexClaims(claims)
	s.search.IndexPaper(search.PaperRecord{
		ID:       paper.ID,
		Title:    paper.Title,
		Abstract: paper.Abstract,
		Status:   store.PaperStatusIntegrated,
	})

	patches, err := json.Marshal(paper.GraphPatch)
	if err != nil {
		log.Printf("ledger: marshal patches for %s: %v", paper.ID, err)
		return
	}
	bundle := ledger.Bundle{
		PaperID:      paper.ID,
		Title:        paper.Title,
		EventID:      event.ID,
		GraphPatch:   patches,
		Tally:        tally,
		IntegratedAt: event.CreatedAt,
	}

	if s.ledger != nil {
		if _, err := s.ledger.RecordIntegration(bundle); err != nil {
			log.Printf("ledger: record integration %s: %v", paper.ID, err)
		}
	}

	if s.archive != nil {
		payload, err := json.Marshal(bundle)
		if err != nil {
			log.Printf("archive: marshal bundle %s: %v", paper.ID, err)
			return
		}
		if err := s.archive.StoreBundle(ctx, paper.ID, event.ID, payload); err != nil {
			log.Printf("archive: store bundle %s: %v", paper.ID, err)
		}
	}
}

// Broadcast appends an externally-produced event to the feed. The server
// assigns the timestamp so feed ordering stays monotonic.
func (s *Service) Broadcast(ctx context.Context, input BroadcastInput) (store.BroadcastEvent, error) {
	if strings.TrimSpace(input.Kind) == "" {
		return store.BroadcastEvent{}, domainError(http.StatusBadRequest, "INVALID_EVENT", "Event kind is required", nil)
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("evt")
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	event, err := s.store.InsertEvent(ctx, store.BroadcastEvent{
		ID:      id,
		Kind:    input.Kind,
		Payload: payload,
	})
	if err != nil {
		return store.BroadcastEvent{}, err
	}

	if s.feed != nil {
		if err := s.feed.Publish(ctx, event); err != nil {
			log.Printf("feed: publish event %s: %v", event.ID, err)
		}
	}
	return event, nil
}

// SyncEvents returns events strictly after since (RFC 3339), or the whole
// log when since is empty.
func (s *Service) SyncEvents(ctx context.Context, since string) ([]store.BroadcastEvent, error) {
	var watermark *time.Time
	if strings.TrimSpace(since) != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "INVALID_TIMESTAMP", "since must be an RFC 3339 timestamp", nil)
		}
		watermark = &ts
	}
	return s.store.ListEvents(ctx, watermark)
}

func (s *Service) ListPapers(ctx context.Context) ([]store.Paper, error) {
	return s.store.ListPapers(ctx)
}

func (s *Service) GetPaper(ctx context.Context, paperID string) (store.Paper, error) {
	return s.store.GetPaper(ctx, paperID)
}

func (s *Service) ListReviews(ctx context.Context, paperID string) ([]store.Review, error) {
	if _, err := s.store.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	return s.store.ListReviews(ctx, paperID)
}

// PaperProvenance returns the git ledger commits for one paper.
func (s *Service) PaperProvenance(ctx context.Context, paperID string, limit int) ([]ledger.CommitInfo, error) {
	if s.ledger == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LEDGER_DISABLED", "Provenance ledger is not configured", nil)
	}
	if _, err := s.store.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	return s.ledger.PaperHistory(paperID, limit)
}

func (s *Service) SearchClaims(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) GraphStats(ctx context.Context) (store.GraphStats, error) {
	return s.store.GraphStats(ctx)
}

func (s *Service) ListEdgesAbout(ctx context.Context, nodeID string) ([]store.Edge, error) {
	return s.store.ListEdgesAbout(ctx, nodeID)
}

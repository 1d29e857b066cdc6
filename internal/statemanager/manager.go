package statemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	ApplyFillEvent EventType = iota
	PauseEvent
	ResumeEvent
	UpdateSwingEvent
	ObserveEquityEvent
	HighWaterEvent
	ReviewEvent
)

// NormalizedEvent is a standardized internal representation of an event.
// Events with a reply channel are checkpointed before the reply is sent.
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}

	reply chan eventResult
}

type eventResult struct {
	state   *models.EngineState
	applied bool
	err     error
}

// ResumeEventData clears the kill switch. A positive Equity becomes the new peak.
type ResumeEventData struct {
	Operator string
	Equity   float64
}

// StateManager is responsible for all state mutations and persistence.
// It ensures that all state changes are processed serially by a single goroutine.
type StateManager struct {
	mu    sync.RWMutex
	state *models.EngineState

	repo            persistence.CheckpointRepository
	cfg             Config
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.EngineState
	stopChan        chan struct{}
	stopOnce        sync.Once
	logger          *zap.Logger

	saveMu        sync.Mutex
	savedRevision int64
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.EngineState, repo persistence.CheckpointRepository, cfg Config, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = models.NewEngineState("")
	}
	if initialState.ProcessedFills == nil {
		initialState.ProcessedFills = make(map[string]time.Time)
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		cfg:             cfg.withDefaults(),
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.EngineState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
		savedRevision:   -1,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager. The latest state is flushed once more.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.persist(sm.GetStateSnapshot())
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event for asynchronous processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// call sends an event and waits until it has been applied and checkpointed.
func (sm *StateManager) call(ctx context.Context, typ EventType, data interface{}) (*models.EngineState, bool, error) {
	ev := NormalizedEvent{Type: typ, Timestamp: time.Now(), Data: data, reply: make(chan eventResult, 1)}
	select {
	case sm.eventChannel <- ev:
	case <-sm.stopChan:
		return nil, false, ErrStopped
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	// Once queued the event is always processed; the wait ignores ctx so a
	// caller never walks away from a transition that is being checkpointed.
	select {
	case res := <-ev.reply:
		return res.state, res.applied, res.err
	case <-sm.stopChan:
		return nil, false, ErrStopped
	}
}

// ApplyFill applies one confirmed fill. A fill whose exchange order id has
// already been processed is ignored and the unchanged snapshot is returned with applied=false.
func (sm *StateManager) ApplyFill(ctx context.Context, ev FillEvent) (models.Position, bool, error) {
	st, applied, err := sm.call(ctx, ApplyFillEvent, ev)
	if st == nil {
		return models.Position{}, false, err
	}
	return st.Position, applied, err
}

// Pause engages the kill switch.
func (sm *StateManager) Pause(ctx context.Context, reason string) error {
	_, _, err := sm.call(ctx, PauseEvent, reason)
	return err
}

// Resume clears the kill switch.
func (sm *StateManager) Resume(ctx context.Context, data ResumeEventData) error {
	_, _, err := sm.call(ctx, ResumeEvent, data)
	return err
}

// UpdateSwing replaces the swing of one timeframe in the checkpoint.
func (sm *StateManager) UpdateSwing(ctx context.Context, swing models.Swing) error {
	_, _, err := sm.call(ctx, UpdateSwingEvent, swing)
	return err
}

// ObserveEquity raises the peak equity if needed. Persisted asynchronously.
func (sm *StateManager) ObserveEquity(equity float64) {
	sm.DispatchEvent(NormalizedEvent{Type: ObserveEquityEvent, Timestamp: time.Now(), Data: equity})
}

// UpdateHighWater raises the open position's high-water mark. Persisted asynchronously.
func (sm *StateManager) UpdateHighWater(price float64) {
	sm.DispatchEvent(NormalizedEvent{Type: HighWaterEvent, Timestamp: time.Now(), Data: price})
}

// MarkReview records the time of a scheduled review. Persisted asynchronously.
func (sm *StateManager) MarkReview(at time.Time) {
	sm.DispatchEvent(NormalizedEvent{Type: ReviewEvent, Timestamp: at, Data: at})
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.EngineState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.state)
}

// IsFillProcessed reports whether a fill with this exchange order id was already applied.
func (sm *StateManager) IsFillProcessed(orderID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.state.ProcessedFills[orderID]
	return ok
}

// deepCopy creates a deep copy of the EngineState to prevent data races.
func deepCopy(s *models.EngineState) *models.EngineState {
	if s == nil {
		return nil
	}
	c := *s
	c.Position.Resistance = append([]models.ResistanceHit(nil), s.Position.Resistance...)
	c.Position.Fills = append([]models.Fill(nil), s.Position.Fills...)
	c.AdjustmentLog = append([]models.Adjustment(nil), s.AdjustmentLog...)
	c.Swings = append([]models.Swing(nil), s.Swings...)
	c.ProcessedFills = make(map[string]time.Time, len(s.ProcessedFills))
	for k, v := range s.ProcessedFills {
		c.ProcessedFills[k] = v
	}
	return &c
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.persist(stateToSave)
		case <-sm.stopChan:
			return
		}
	}
}

// persist saves a snapshot unless a newer revision has already been written.
func (sm *StateManager) persist(state *models.EngineState) error {
	if sm.repo == nil || state == nil {
		return nil
	}
	sm.saveMu.Lock()
	defer sm.saveMu.Unlock()
	if state.Revision <= sm.savedRevision {
		return nil
	}
	if err := sm.repo.SaveCheckpoint(state); err != nil {
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save checkpoint (revision %d): %v", state.Revision, err)
		return err
	}
	sm.savedRevision = state.Revision
	return nil
}

// processEvent works on a copy of the state and publishes it only when the handler succeeds.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	current := sm.GetStateSnapshot()
	next := deepCopy(current)

	var (
		closed  *models.Position
		applied = true
		err     error
	)

	switch event.Type {
	case ApplyFillEvent:
		ev, ok := event.Data.(FillEvent)
		if !ok {
			err = fmt.Errorf("ApplyFillEvent with unexpected data type: %T", event.Data)
			break
		}
		if _, dup := next.ProcessedFills[ev.Fill.OrderID]; dup && ev.Fill.OrderID != "" {
			sm.logger.Sugar().Infof("Fill %s already processed, ignoring replay.", ev.Fill.OrderID)
			sm.reply(event, current, false, nil)
			return
		}
		closed, err = applyFill(next, ev, sm.cfg)
		if err == nil {
			p := next.Position
			sm.logger.Sugar().Infof("Applied %s fill %s: price %.2f qty %.6f -> size %.6f avg %.2f lev %dx scale-ins %d status %s",
				ev.Action.Kind, ev.Fill.OrderID, ev.Fill.Price, ev.Fill.Quantity, p.Size, p.AveragePrice, p.Leverage, p.ScaleInCount, p.Status)
		}
	case PauseEvent:
		reason, _ := event.Data.(string)
		next.Paused = true
		next.PauseReason = reason
		sm.logger.Sugar().Warnf("Engine paused: %s", reason)
	case ResumeEvent:
		data, _ := event.Data.(ResumeEventData)
		next.Paused = false
		next.PauseReason = ""
		if data.Equity > 0 {
			next.PeakEquity = data.Equity
		}
		sm.logger.Sugar().Infof("Engine resumed by %s, peak equity reset to %.2f.", data.Operator, next.PeakEquity)
	case UpdateSwingEvent:
		sw, ok := event.Data.(models.Swing)
		if !ok {
			err = fmt.Errorf("UpdateSwingEvent with unexpected data type: %T", event.Data)
			break
		}
		replaced := false
		for i := range next.Swings {
			if next.Swings[i].Timeframe == sw.Timeframe {
				next.Swings[i] = sw
				replaced = true
			}
		}
		if !replaced {
			next.Swings = append(next.Swings, sw)
		}
	case ObserveEquityEvent:
		equity, _ := event.Data.(float64)
		applied = equity > next.PeakEquity
		if applied {
			next.PeakEquity = equity
		}
	case HighWaterEvent:
		price, _ := event.Data.(float64)
		applied = next.Position.IsOpen() && price > next.Position.HighWater
		if applied {
			next.Position.HighWater = price
		}
	case ReviewEvent:
		at, _ := event.Data.(time.Time)
		next.LastReviewAt = at
	default:
		err = fmt.Errorf("unknown event type %d", event.Type)
	}

	if err != nil {
		sm.logger.Sugar().Warnf("Event %d rejected: %v", event.Type, err)
		sm.reply(event, current, false, err)
		return
	}
	if !applied {
		sm.reply(event, current, false, nil)
		return
	}

	now := time.Now()
	prune(next, now, sm.cfg)
	next.Revision++
	next.LastUpdateTime = now

	sm.mu.Lock()
	sm.state = next
	sm.mu.Unlock()

	snapshot := deepCopy(next)
	if event.reply == nil {
		// After processing, send a deep copy of the new state to the persistence channel.
		select {
		case sm.persistenceChan <- snapshot:
		default:
			sm.logger.Sugar().Warn("Persistence channel full, snapshot will be written with the next one.")
		}
		return
	}

	// 状态变更必须在返回给调用方之前落盘
	var saveErr error
	if perr := sm.persist(snapshot); perr != nil {
		saveErr = fmt.Errorf("checkpoint failed: %w", perr)
	}
	if closed != nil && sm.repo != nil {
		if aerr := sm.repo.ArchivePosition(*closed); aerr != nil {
			sm.logger.Sugar().Errorf("Failed to archive position %s: %v", closed.ID, aerr)
		}
	}
	sm.reply(event, snapshot, true, saveErr)
}

func (sm *StateManager) reply(event NormalizedEvent, state *models.EngineState, applied bool, err error) {
	if event.reply != nil {
		event.reply <- eventResult{state: state, applied: applied, err: err}
	}
}

// Package raftengine replicates command and status writes through one raft
// group per partition. Every node applies committed entries to its own
// stores, so all nodes converge on the same commands and statuses.
package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"sensorhub/internal/hashroute"
	"sensorhub/internal/ingest"
)

var (
	ErrNotLeader = errors.New("partition leader required")
	ErrNoSink    = errors.New("raft engine has no sink")
)

// NotLeaderError is returned by proposals made on a follower. Callers may
// retry against Leader.
type NotLeaderError struct{ Leader uint64 }

func (e *NotLeaderError) Error() string        { return fmt.Sprintf("%v: leader=%d", ErrNotLeader, e.Leader) }
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }
func (e *NotLeaderError) Temporary() bool      { return true }

type ApplyFunc func(partition uint8, b Batch)
type AckFunc func(token string)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	Sink                ingest.Sink
	Apply               ApplyFunc
	Ack                 AckFunc
	BootstrapNewCluster bool
	Logger              *slog.Logger
}

// Persistence holds the raft log and the applied position of every
// partition of one node, and survives engine restarts.
type Persistence struct {
	mu      sync.Mutex
	storage map[uint8]*raft.MemoryStorage
	applied map[uint8]uint64
}

func NewPersistence() *Persistence {
	return &Persistence{storage: map[uint8]*raft.MemoryStorage{}, applied: map[uint8]uint64{}}
}

func (p *Persistence) forPartition(partition uint8) *raft.MemoryStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.storage[partition]; ok {
		return s
	}
	s := raft.NewMemoryStorage()
	p.storage[partition] = s
	return s
}

func (p *Persistence) appliedIndex(partition uint8) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[partition]
}

func (p *Persistence) setApplied(partition uint8, index uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index > p.applied[partition] {
		p.applied[partition] = index
	}
}

type applyResult struct {
	receipt ingest.Receipt
	err     error
}

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport *tcpTransport
	workers   [hashroute.PartitionCount]*partitionWorker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	waitMu  sync.Mutex
	waiters map[string]chan applyResult
}

var _ ingest.Sink = (*Engine)(nil)

type partitionWorker struct {
	partition uint8
	node      raft.Node
	storage   *raft.MemoryStorage
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil {
		cfg.Persistence = NewPersistence()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "raft", "node_id", cfg.NodeID),
		stopCh:  make(chan struct{}),
		waiters: make(map[string]chan applyResult),
	}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(partition uint8, msg raftpb.Message) {
		if int(partition) >= hashroute.PartitionCount || e.workers[partition] == nil {
			return
		}
		_ = e.workers[partition].node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	for p := 0; p < hashroute.PartitionCount; p++ {
		ms := cfg.Persistence.forPartition(uint8(p))
		rc := &raft.Config{
			ID:              cfg.NodeID,
			ElectionTick:    cfg.ElectionTicks,
			HeartbeatTick:   cfg.HeartbeatTicks,
			Storage:         ms,
			Applied:         cfg.Persistence.appliedIndex(uint8(p)),
			MaxSizePerMsg:   cfg.MaxMessageSize,
			MaxInflightMsgs: cfg.MaxInflightMsgs,
			CheckQuorum:     true,
			PreVote:         true,
		}
		var n raft.Node
		if cfg.BootstrapNewCluster {
			n = raft.StartNode(rc, peers)
		} else {
			n = raft.RestartNode(rc)
		}
		e.workers[p] = &partitionWorker{partition: uint8(p), node: n, storage: ms}
	}
	return e, nil
}

func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go e.runPartition(w)
	}
}

func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		for _, w := range e.workers {
			w.node.Stop()
		}
		e.wg.Wait()
		err = e.transport.close()
	})
	return err
}

func (e *Engine) Leader(partition uint8) uint64 { return e.workers[partition].node.Status().Lead }

func (e *Engine) IsLeader(partition uint8) bool {
	return e.workers[partition].node.Status().RaftState == raft.StateLeader
}

func (e *Engine) Propose(ctx context.Context, b Batch) error {
	if int(b.PartitionID) >= hashroute.PartitionCount {
		return fmt.Errorf("invalid partition %d", b.PartitionID)
	}
	b.FillTimestamp()
	w := e.workers[b.PartitionID]
	if st := w.node.Status(); st.RaftState != raft.StateLeader {
		return &NotLeaderError{Leader: st.Lead}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return w.node.Propose(ctx, data)
}

// SubmitCommand replicates env and returns once this node has applied it.
// The command id and issue time are fixed before proposing so that every
// node stores the same command.
func (e *Engine) SubmitCommand(ctx context.Context, env ingest.CommandEnvelope) (ingest.Receipt, error) {
	if err := env.Validate(); err != nil {
		return ingest.Receipt{}, err
	}
	if env.CommandID == "" {
		env.CommandID = uuid.NewString()
	}
	if env.IssueTime.IsZero() {
		env.IssueTime = time.Now().UTC()
	}
	return e.replicate(ctx, hashroute.PartitionFor(env.SystemUID, env.ControlInput), Entry{Kind: EntryCommand, Command: &env})
}

// SendStatus replicates env and returns once this node has applied it.
func (e *Engine) SendStatus(ctx context.Context, env ingest.StatusEnvelope) (ingest.Receipt, error) {
	if err := env.Validate(); err != nil {
		return ingest.Receipt{}, err
	}
	if env.ReportTime.IsZero() {
		env.ReportTime = time.Now().UTC()
	}
	return e.replicate(ctx, hashroute.PartitionFor(env.SystemUID, env.ControlInput), Entry{Kind: EntryStatus, Status: &env})
}

func (e *Engine) replicate(ctx context.Context, partition int, entry Entry) (ingest.Receipt, error) {
	if e.cfg.Sink == nil {
		return ingest.Receipt{}, ErrNoSink
	}
	entry.AckToken = uuid.NewString()
	done := make(chan applyResult, 1)
	e.waitMu.Lock()
	e.waiters[entry.AckToken] = done
	e.waitMu.Unlock()
	defer func() {
		e.waitMu.Lock()
		delete(e.waiters, entry.AckToken)
		e.waitMu.Unlock()
	}()

	if err := e.Propose(ctx, Batch{PartitionID: uint8(partition), Entries: []Entry{entry}}); err != nil {
		return ingest.Receipt{}, err
	}
	select {
	case <-ctx.Done():
		return ingest.Receipt{}, ctx.Err()
	case <-e.stopCh:
		return ingest.Receipt{}, errors.New("raft engine stopped")
	case r := <-done:
		return r.receipt, r.err
	}
}

func (e *Engine) runPartition(w *partitionWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = w.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = e.transport.send(m.To, w.partition, m)
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type == raftpb.EntryNormal && len(ent.Data) > 0 {
					e.applyEntry(w.partition, ent.Data)
				}
				e.cfg.Persistence.setApplied(w.partition, ent.Index)
			}
			w.node.Advance()
		}
	}
}

func (e *Engine) applyEntry(partition uint8, data []byte) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		e.logger.Error("undecodable raft entry", "partition", partition, "err", err)
		return
	}
	if e.cfg.Apply != nil {
		e.cfg.Apply(partition, b)
	}
	for _, entry := range b.Entries {
		r, err := e.applyOne(entry)
		if entry.AckToken == "" {
			if err != nil {
				e.logger.Warn("replicated write rejected", "partition", partition, "kind", entry.Kind, "err", err)
			}
			continue
		}
		e.waitMu.Lock()
		done := e.waiters[entry.AckToken]
		e.waitMu.Unlock()
		if done != nil {
			done <- applyResult{receipt: r, err: err}
		} else if err != nil {
			e.logger.Debug("replicated write rejected", "partition", partition, "kind", entry.Kind, "err", err)
		}
		if e.cfg.Ack != nil {
			e.cfg.Ack(entry.AckToken)
		}
	}
}

func (e *Engine) applyOne(entry Entry) (ingest.Receipt, error) {
	if e.cfg.Sink == nil {
		return ingest.Receipt{}, nil
	}
	ctx := context.Background()
	switch {
	case entry.Kind == EntryCommand && entry.Command != nil:
		return e.cfg.Sink.SubmitCommand(ctx, *entry.Command)
	case entry.Kind == EntryStatus && entry.Status != nil:
		return e.cfg.Sink.SendStatus(ctx, *entry.Status)
	}
	return ingest.Receipt{}, fmt.Errorf("malformed %q entry", entry.Kind)
}

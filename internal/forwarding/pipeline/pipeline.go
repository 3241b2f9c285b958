// Package pipeline implements the fixed-size L2/L3 forwarding pipelines of
// spec.md §4.7: one fixed worker pool in which each worker, for every
// packet, learns the source MAC (stage 0) and then resolves the
// destination (stage 1), either via the MAC table (L2) or rib_lookup
// (L3). The two stages run in the same worker; there is no separate pool
// or queue between them. Each worker owns one MAC/RIB table
// worker index for the lifetime of the pipeline, per spec.md's "a stage
// reports its worker id" rule.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"fuchsia.googlesource.com/ofswitch/internal/forwarding/mac"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/rib"
	"fuchsia.googlesource.com/ofswitch/internal/logging"
	"fuchsia.googlesource.com/ofswitch/internal/metrics"
)

var log = logging.Tag("pipeline")

const (
	// DefaultBatchSize is spec.md §4.7's default batch size.
	DefaultBatchSize = 2048
	// DefaultQueueLength bounds the input/egress queues between stages.
	DefaultQueueLength = 64
	// workerCount is the fixed pool size spec.md §4.7 specifies for both
	// the L2 and L3 pipelines: "Two worker threads."
	workerCount = 2
	// FloodPort is the sentinel output port for a MAC/RIB lookup miss,
	// matching OFPP_ALL's flood semantics.
	FloodPort uint32 = 0
)

// Kind selects which stage-1 lookup a Pipeline performs.
type Kind int

const (
	KindL2 Kind = iota
	KindL3
)

func (k Kind) String() string {
	if k == KindL3 {
		return "L3"
	}
	return "L2"
}

// Packet is one frame moving through a pipeline, carrying both the
// mutable wire header views and the routing decision the pipeline
// attaches to it.
type Packet struct {
	Eth     header.Ethernet
	IPv4    header.IPv4 // zero-length for an L2 packet
	DstIPv4 [4]byte
	SrcMAC  [6]byte

	IngressPort uint32

	OutputPort   uint32
	SendToKernel bool
	Dropped      bool
}

// NewPacket parses an Ethernet frame (and, for kind == KindL3, the IPv4
// header following it) out of raw, a buffer the caller owns and the
// pipeline will rewrite in place on a forwarding hit.
func NewPacket(raw []byte, ingressPort uint32, kind Kind) (Packet, bool) {
	if len(raw) < header.EthernetMinimumSize {
		return Packet{}, false
	}
	eth := header.Ethernet(raw)
	pk := Packet{Eth: eth, IngressPort: ingressPort, SrcMAC: linkAddrToMAC(eth.SourceAddress())}

	if kind == KindL3 {
		payload := raw[header.EthernetMinimumSize:]
		if len(payload) < header.IPv4MinimumSize {
			return Packet{}, false
		}
		ipv4 := header.IPv4(payload)
		pk.IPv4 = ipv4
		addr := ipv4.DestinationAddress()
		copy(pk.DstIPv4[:], addr[:])
	}
	return pk, true
}

func linkAddrToMAC(addr tcpip.LinkAddress) [6]byte {
	var out [6]byte
	copy(out[:], addr)
	return out
}

// Config holds the tunables spec.md §4.7 calls configuration constants.
type Config struct {
	BatchSize   int
	QueueLength int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueLength <= 0 {
		c.QueueLength = DefaultQueueLength
	}
	return c
}

// Pipeline is a fixed two-stage worker pool bound to a MAC table and
// (for KindL3) a RIB table. The pool is an errgroup.Group rather than a
// bare sync.WaitGroup so a worker that returns an error surfaces through
// Shutdown instead of vanishing silently. The workers started by Start
// always return nil, and a panic inside one is not recovered.
type Pipeline struct {
	kind     Kind
	cfg      Config
	macTable *mac.Table
	ribTable *rib.Table
	stats    *metrics.ForwardingStats

	input  chan []Packet
	egress chan []Packet

	parentCancel context.CancelFunc
	group        *errgroup.Group
	groupCtx     context.Context
}

// New constructs a Pipeline. ribTable may be nil for KindL2. stats may be
// nil, in which case the pipeline runs without incrementing any counters.
func New(kind Kind, macTable *mac.Table, ribTable *rib.Table, stats *metrics.ForwardingStats, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	parentCtx, parentCancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(parentCtx)
	return &Pipeline{
		kind:         kind,
		cfg:          cfg,
		macTable:     macTable,
		ribTable:     ribTable,
		stats:        stats,
		input:        make(chan []Packet, cfg.QueueLength),
		egress:       make(chan []Packet, cfg.QueueLength),
		parentCancel: parentCancel,
		group:        group,
		groupCtx:     groupCtx,
	}
}

// Start launches the fixed worker pool.
func (p *Pipeline) Start() {
	for id := 0; id < workerCount; id++ {
		id := id
		p.group.Go(func() error {
			p.run(id)
			return nil
		})
	}
}

// Submit enqueues batch for processing, dropping it and logging if the
// input queue is full rather than blocking the caller.
func (p *Pipeline) Submit(batch []Packet) bool {
	select {
	case p.input <- batch:
		return true
	default:
		log.Warnf("%v pipeline: input queue full, dropping a batch of %d packets", p.kind, len(batch))
		if p.stats != nil {
			p.stats.InputDrops.Increment()
		}
		return false
	}
}

// Egress returns the channel of processed batches.
func (p *Pipeline) Egress() <-chan []Packet {
	return p.egress
}

// Shutdown stops the pipeline. When graceful, it stops accepting new
// batches and waits for the workers to drain whatever is already queued
// before tearing down; otherwise it cancels immediately, per spec.md
// §4.7's "shutdown(graceful)". It returns the first worker error, if any.
func (p *Pipeline) Shutdown(graceful bool) error {
	if graceful {
		close(p.input)
		err := p.group.Wait()
		p.parentCancel()
		return err
	}
	p.parentCancel()
	return p.group.Wait()
}

func (p *Pipeline) run(id int) {
	macWorker := p.macTable.Worker(id)
	var ribWorker *rib.Worker
	if p.kind == KindL3 {
		ribWorker = p.ribTable.Worker(id)
	}

	for {
		select {
		case <-p.groupCtx.Done():
			return
		case batch, ok := <-p.input:
			if !ok {
				return
			}
			p.processBatch(macWorker, ribWorker, batch)
			select {
			case p.egress <- batch:
			case <-p.groupCtx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) processBatch(macWorker *mac.Worker, ribWorker *rib.Worker, batch []Packet) {
	for i := range batch {
		pk := &batch[i]
		macWorker.Learn(pk.SrcMAC, pk.IngressPort)

		switch p.kind {
		case KindL2:
			dst := linkAddrToMAC(pk.Eth.DestinationAddress())
			if port, _, ok := macWorker.Lookup(dst); ok {
				pk.OutputPort = port
				if p.stats != nil {
					p.stats.L2Forwarded.Increment()
				}
			} else {
				pk.OutputPort = FloodPort
				if p.stats != nil {
					p.stats.L2Flooded.Increment()
				}
			}
		case KindL3:
			res := ribWorker.Lookup(pk.Eth, pk.IPv4, pk.DstIPv4)
			switch res.Outcome {
			case rib.OutcomeForward:
				pk.OutputPort = res.OutputPort
				if p.stats != nil {
					p.stats.L3Forwarded.Increment()
				}
			case rib.OutcomeSendToKernel:
				pk.SendToKernel = true
				if p.stats != nil {
					p.stats.L3SentToKernel.Increment()
				}
			case rib.OutcomeDropped:
				pk.Dropped = true
				if p.stats != nil {
					p.stats.L3Dropped.Increment()
				}
			}
		}
	}
}

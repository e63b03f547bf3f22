package sip

import (
	"cmp"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// StatsReport is a snapshot of engine counters.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transports   []TransportStats `json:"transports"`
	Transactions TransactionStats `json:"transactions"`
}

// TransportStats contains per-transport message counters.
type TransportStats struct {
	// Proto is a transport protocol.
	Proto TransportProto `json:"proto"`
	// LocalAddr is a local listener address.
	LocalAddr string `json:"local_addr"`
	// RequestsReceived is a number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is a number of sent requests.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is a number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is a number of sent responses.
	ResponsesSent uint64 `json:"responses_sent"`
	// Dropped is a number of discarded inbound messages.
	Dropped uint64 `json:"dropped"`
	// Errors is a number of transport errors.
	Errors uint64 `json:"errors"`
}

// TransactionStats contains transaction counters.
type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

type statsRecorder struct {
	transports sync.Map // map[transpKey]*transpStats

	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64
}

type transpKey struct {
	proto TransportProto
	laddr netip.AddrPort
}

type transpStats struct {
	inReqs,
	inRess,
	outReqs,
	outRess,
	dropped,
	errors atomic.Uint64
}

func (rcdr *statsRecorder) transport(proto TransportProto, laddr netip.AddrPort) *transpStats {
	if rcdr == nil {
		return &transpStats{}
	}
	stats, _ := rcdr.transports.LoadOrStore(transpKey{proto, laddr}, &transpStats{})
	return stats.(*transpStats) //nolint:forcetypeassert
}

func (s *transpStats) recv(msg Message) {
	if _, ok := msg.(*Request); ok {
		s.inReqs.Add(1)
	} else {
		s.inRess.Add(1)
	}
}

func (s *transpStats) sent(msg Message) {
	if _, ok := msg.(*Request); ok {
		s.outReqs.Add(1)
	} else {
		s.outRess.Add(1)
	}
}

func (rcdr *statsRecorder) txCreated(kind transactKind) {
	switch kind {
	case kindInviteClient:
		rcdr.invClnTxs.Add(1)
		rcdr.invClnTxsTotal.Add(1)
	case kindNonInviteClient:
		rcdr.ninvClnTxs.Add(1)
		rcdr.ninvClnTxsTotal.Add(1)
	case kindInviteServer:
		rcdr.invSrvTxs.Add(1)
		rcdr.invSrvTxsTotal.Add(1)
	case kindNonInviteServer:
		rcdr.ninvSrvTxs.Add(1)
		rcdr.ninvSrvTxsTotal.Add(1)
	}
}

func (rcdr *statsRecorder) txTerminated(kind transactKind) {
	switch kind {
	case kindInviteClient:
		rcdr.invClnTxs.Add(-1)
	case kindNonInviteClient:
		rcdr.ninvClnTxs.Add(-1)
	case kindInviteServer:
		rcdr.invSrvTxs.Add(-1)
	case kindNonInviteServer:
		rcdr.ninvSrvTxs.Add(-1)
	}
}

func (rcdr *statsRecorder) report() StatsReport {
	report := StatsReport{Time: time.Now()}

	rcdr.transports.Range(func(key, value any) bool {
		k, _ := key.(transpKey)
		s, _ := value.(*transpStats)
		report.Transports = append(report.Transports, TransportStats{
			Proto:             k.proto,
			LocalAddr:         k.laddr.String(),
			RequestsReceived:  s.inReqs.Load(),
			RequestsSent:      s.outReqs.Load(),
			ResponsesReceived: s.inRess.Load(),
			ResponsesSent:     s.outRess.Load(),
			Dropped:           s.dropped.Load(),
			Errors:            s.errors.Load(),
		})
		return true
	})
	slices.SortFunc(report.Transports, func(a, b TransportStats) int {
		if c := cmp.Compare(a.Proto, b.Proto); c != 0 {
			return c
		}
		return cmp.Compare(a.LocalAddr, b.LocalAddr)
	})

	report.Transactions = TransactionStats{
		InviteClientTransactions:         clampToUint64(rcdr.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(rcdr.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(rcdr.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(rcdr.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
	}
	return report
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}

package raftlog

import (
	"sync/atomic"

	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/util"
)

// Leadership tracks this node's raft role from the notify channel.
type Leadership struct {
	nodeID   string
	isLeader atomic.Bool
	leaderCh chan bool
}

func newLeadership(nodeID string) *Leadership {
	return &Leadership{nodeID: nodeID, leaderCh: make(chan bool, 10)}
}

func (l *Leadership) observe(notifyCh <-chan bool, done <-chan struct{}) {
	for {
		select {
		case isLeader := <-notifyCh:
			l.isLeader.Store(isLeader)
			role := "follower"
			if isLeader {
				role = "leader"
			}
			metrics.LeadershipChanges.WithLabelValues(l.nodeID, role).Inc()
			util.Info("raft: node %s is now %s", l.nodeID, role)

			select {
			case l.leaderCh <- isLeader:
			default:
				util.Warn("Leadership notification dropped: leaderCh is full. State is still updated to %v", isLeader)
			}
		case <-done:
			return
		}
	}
}

func (l *Leadership) IsLeader() bool {
	return l.isLeader.Load()
}

// LeaderCh delivers role changes. Slow readers miss notifications but
// IsLeader stays current.
func (l *Leadership) LeaderCh() <-chan bool {
	return l.leaderCh
}

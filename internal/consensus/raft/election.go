package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

// handleRequestVote processes an incoming RequestVote RPC; caller holds mu.
func (r *Raft) handleRequestVote(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		r.logger.Warn("failed to decode RequestVote", zap.Error(err))
		return
	}
	req, ok := body.(*wire.BodyRequestVoteMsg)
	if !ok {
		r.logger.Warn("unexpected body for RequestVoteMsg")
		return
	}

	granted := false

	if msg.Term >= r.currentTerm &&
		(r.votedFor == "" || r.votedFor == consensus.NodeID(req.Candidate)) &&
		r.isLogUpToDate(consensus.LogIndex(req.LastLogIndex), consensus.Term(req.LastLogTerm)) {
		r.votedFor = consensus.NodeID(req.Candidate)
		r.lastContact = time.Now()
		granted = true
		r.resetElectionTimer()
		r.persistTermAndVote()
	}

	r.sendRequestVoteResponse(msg.From, granted)
}

// handleRequestVoteResponse tallies a vote reply; caller holds mu.
func (r *Raft) handleRequestVoteResponse(msg *consensus.ConsensusMessage) {
	if r.role != consensus.Candidate {
		return
	}

	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		r.logger.Warn("failed to decode RequestVoteReply", zap.Error(err))
		return
	}
	reply, ok := body.(*wire.BodyRequestVoteReplyMsg)
	if !ok {
		r.logger.Warn("unexpected body for RequestVoteResponseMsg")
		return
	}

	if reply.Granted {
		r.votes[msg.From] = true
		r.metric.IncVotesReceived(string(r.nodeID))
	}

	if r.hasMajority() {
		r.becomeLeader()
	}
}

func (r *Raft) sendRequestVoteResponse(to consensus.NodeID, granted bool) {
	data, err := wire.EncodeBody(&wire.BodyRequestVoteReplyMsg{Granted: granted})
	if err != nil {
		r.logger.Error("failed to encode RequestVoteReply", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.RequestVoteResponseMsg,
		Term:      r.currentTerm,
		From:      r.nodeID,
		To:        to,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(r.ctx, to, msg); err != nil {
		r.logger.Warn("failed to send RequestVoteReply", zap.String("peer", string(to)), zap.Error(err))
	}
}

// isLogUpToDate implements the Raft §5.4.1 "up-to-date" comparison:
// higher last-term wins; ties break on longer log. Caller holds mu.
func (r *Raft) isLogUpToDate(lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) bool {
	ourLastIndex := consensus.LogIndex(len(r.log))
	ourLastTerm := consensus.Term(0)
	if len(r.log) > 0 {
		ourLastTerm = r.log[len(r.log)-1].Term
	}

	if lastLogTerm != ourLastTerm {
		return lastLogTerm > ourLastTerm
	}
	return lastLogIndex >= ourLastIndex
}

// hasMajority reports whether the current candidate has a strict
// majority of the cluster's votes, counting itself. Caller holds mu.
func (r *Raft) hasMajority() bool {
	total := len(r.peers)
	needed := (total / 2) + 1
	received := 0
	for _, granted := range r.votes {
		if granted {
			received++
		}
	}
	return received >= needed
}

// becomeLeader transitions a winning candidate to leader, initializing
// leader-only state and kicking off heartbeats. Caller holds mu.
func (r *Raft) becomeLeader() {
	if r.role != consensus.Candidate {
		return
	}

	r.role = consensus.Leader
	r.leader = r.nodeID
	r.metric.RecordElection(string(r.nodeID), "won")

	lastLogIndex := consensus.LogIndex(len(r.log))
	for id := range r.peers {
		if id != r.nodeID {
			r.nextIndex[id] = lastLogIndex + 1
			r.matchIndex[id] = 0
		}
	}

	r.logger.Info("became leader", zap.Uint64("term", uint64(r.currentTerm)))

	go r.sendHeartbeats()
	r.startHeartbeatTimer()
}

// startHeartbeatTimer arms the periodic heartbeat loop for as long as
// this node remains leader. Caller holds mu.
func (r *Raft) startHeartbeatTimer() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.heartbeatTimer = time.NewTimer(r.config.HeartbeatTimeout)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.heartbeatTimer.C:
				r.mu.RLock()
				isLeader := r.role == consensus.Leader
				r.mu.RUnlock()
				if !isLeader {
					return
				}
				r.sendHeartbeats()
				r.heartbeatTimer.Reset(r.config.HeartbeatTimeout)
			}
		}
	}()
}

// sendHeartbeats fans an empty AppendEntries out to every follower; it
// reuses the full replication path so a straggling follower catches up
// on the same cadence as heartbeats.
func (r *Raft) sendHeartbeats() {
	r.mu.RLock()
	isLeader := r.role == consensus.Leader
	peers := make([]consensus.NodeID, 0, len(r.nextIndex))
	for id := range r.nextIndex {
		if id != r.nodeID {
			peers = append(peers, id)
		}
	}
	r.mu.RUnlock()

	if !isLeader {
		return
	}
	for _, id := range peers {
		go r.sendAppendEntries(id)
	}
}

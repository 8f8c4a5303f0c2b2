package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
	"github.com/ruvnet/omnix-consensus/internal/wire"
)

// handleAppendEntries processes an incoming AppendEntries RPC, including
// the fast-backtrack conflict fields (§12 supplement) on rejection.
// Caller holds mu.
func (r *Raft) handleAppendEntries(msg *consensus.ConsensusMessage) {
	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		r.logger.Warn("failed to decode AppendEntries", zap.Error(err))
		return
	}
	req, ok := body.(*wire.BodyAppendEntriesMsg)
	if !ok {
		r.logger.Warn("unexpected body for AppendEntriesMsg")
		return
	}

	reply := wire.BodyAppendEntriesReplyMsg{Success: false}

	if msg.Term < r.currentTerm {
		r.sendAppendEntriesReply(msg.From, reply)
		return
	}

	r.lastContact = time.Now()
	r.resetElectionTimer()

	if msg.Term > r.currentTerm || (msg.Term == r.currentTerm && r.role == consensus.Candidate) {
		r.currentTerm = msg.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.persistTermAndVote()
	}
	r.leader = consensus.NodeID(req.Leader)

	prevLogIndex := consensus.LogIndex(req.PrevLogIndex)
	prevLogTerm := consensus.Term(req.PrevLogTerm)

	if !r.logMatches(prevLogIndex, prevLogTerm) {
		reply.XLen = uint64(len(r.log))
		if prevLogIndex > 0 && int(prevLogIndex) <= len(r.log) {
			conflictTerm := r.log[prevLogIndex-1].Term
			reply.XTerm = uint64(conflictTerm)
			for i := int(prevLogIndex) - 1; i >= 0; i-- {
				if r.log[i].Term != conflictTerm {
					reply.XIndex = uint64(i + 2)
					break
				}
				if i == 0 {
					reply.XIndex = 1
				}
			}
		}
		r.sendAppendEntriesReply(msg.From, reply)
		return
	}

	entries := make([]*consensus.LogEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = &consensus.LogEntry{Index: consensus.LogIndex(e.Index), Term: consensus.Term(e.Term), Data: e.Data, Timestamp: time.Now()}
	}

	if len(entries) > 0 {
		r.handleLogConflicts(prevLogIndex, entries)
	}
	r.appendNewEntries(prevLogIndex, entries)

	leaderCommit := consensus.LogIndex(req.LeaderCommit)
	if leaderCommit > r.commitIndex {
		lastNewIndex := prevLogIndex + consensus.LogIndex(len(entries))
		if leaderCommit < lastNewIndex {
			r.commitIndex = leaderCommit
		} else {
			r.commitIndex = lastNewIndex
		}
		r.metric.SetCommitIndex(string(r.nodeID), uint64(r.commitIndex))
	}

	reply.Success = true
	reply.MatchIndex = uint64(prevLogIndex) + uint64(len(entries))
	r.sendAppendEntriesReply(msg.From, reply)
	r.persistTermAndVote()
}

// handleAppendEntriesResponse advances or backtracks a follower's
// nextIndex/matchIndex and re-evaluates commitIndex. Caller holds mu.
func (r *Raft) handleAppendEntriesResponse(msg *consensus.ConsensusMessage) {
	if r.role != consensus.Leader {
		return
	}

	body, err := wire.DecodeBody(msg.Data)
	if err != nil {
		r.logger.Warn("failed to decode AppendEntriesReply", zap.Error(err))
		return
	}
	reply, ok := body.(*wire.BodyAppendEntriesReplyMsg)
	if !ok {
		r.logger.Warn("unexpected body for AppendEntriesResponseMsg")
		return
	}

	from := msg.From

	if reply.Success {
		matchIndex := consensus.LogIndex(reply.MatchIndex)
		if matchIndex > r.matchIndex[from] {
			r.matchIndex[from] = matchIndex
		}
		r.nextIndex[from] = matchIndex + 1
		r.updateCommitIndex()
		return
	}

	switch {
	case reply.XTerm != 0:
		if last := r.findLastIndexOfTerm(consensus.Term(reply.XTerm)); last != 0 {
			r.nextIndex[from] = last + 1
		} else {
			r.nextIndex[from] = consensus.LogIndex(reply.XIndex)
		}
	default:
		r.nextIndex[from] = consensus.LogIndex(reply.XLen) + 1
	}
	if r.nextIndex[from] < 1 {
		r.nextIndex[from] = 1
	}

	go r.sendAppendEntries(from)
}

func (r *Raft) sendAppendEntriesReply(to consensus.NodeID, reply wire.BodyAppendEntriesReplyMsg) {
	data, err := wire.EncodeBody(&reply)
	if err != nil {
		r.logger.Error("failed to encode AppendEntriesReply", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.AppendEntriesResponseMsg,
		Term:      r.currentTerm,
		From:      r.nodeID,
		To:        to,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(r.ctx, to, msg); err != nil {
		r.logger.Warn("failed to send AppendEntriesReply", zap.String("peer", string(to)), zap.Error(err))
	}
}

// logMatches reports whether the log holds an entry at prevLogIndex whose
// term is prevLogTerm (prevLogIndex == 0 always matches: replicating from
// the start). Caller holds mu.
func (r *Raft) logMatches(prevLogIndex consensus.LogIndex, prevLogTerm consensus.Term) bool {
	if prevLogIndex == 0 {
		return true
	}
	if int(prevLogIndex) > len(r.log) {
		return false
	}
	return r.log[prevLogIndex-1].Term == prevLogTerm
}

// handleLogConflicts truncates the log from the first index whose term
// disagrees with the leader's entry for that index (§5.3 log matching).
// Caller holds mu.
func (r *Raft) handleLogConflicts(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) <= len(r.log) {
			existing := r.log[logIndex-1]
			if existing.Term != entry.Term {
				r.log = r.log[:logIndex-1]
				if err := r.storage.TruncateLogFrom(logIndex); err != nil {
					r.logger.Error("failed to truncate log", zap.Error(err))
				}
				break
			}
		}
	}
}

// appendNewEntries appends entries not already present in the log and
// persists them. Caller holds mu.
func (r *Raft) appendNewEntries(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) {
	var toPersist []*consensus.LogEntry
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) > len(r.log) {
			r.log = append(r.log, entry)
			toPersist = append(toPersist, entry)
		}
	}
	if len(toPersist) > 0 {
		if err := r.storage.AppendLog(toPersist); err != nil {
			r.logger.Error("failed to persist replicated entries", zap.Error(err))
		}
	}
}

// updateCommitIndex advances commitIndex to the highest index replicated
// on a majority of servers, restricted to entries from the current term
// (§5.4.2: a leader never commits an entry from a prior term by counting
// replicas alone). Caller holds mu.
func (r *Raft) updateCommitIndex() {
	if r.role != consensus.Leader {
		return
	}

	for n := consensus.LogIndex(len(r.log)); n > r.commitIndex; n-- {
		if int(n) > len(r.log) || r.log[n-1].Term != r.currentTerm {
			continue
		}
		count := 1
		for _, matchIndex := range r.matchIndex {
			if matchIndex >= n {
				count++
			}
		}
		if count > len(r.peers)/2 {
			r.commitIndex = n
			r.metric.SetCommitIndex(string(r.nodeID), uint64(n))
			break
		}
	}
}

// findLastIndexOfTerm returns the highest log index whose term equals
// term, or 0 if none. Caller holds mu.
func (r *Raft) findLastIndexOfTerm(term consensus.Term) consensus.LogIndex {
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].Term == term {
			return consensus.LogIndex(i + 1)
		}
	}
	return 0
}

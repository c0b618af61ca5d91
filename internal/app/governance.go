package app

import "time"

// quorumReached reports whether a proposal's vote can be evaluated: either
// the voting deadline has passed, or every eligible voter has cast a vote.
func quorumReached(now, deadline time.Time, totalVotes, eligibleVoters int) bool {
	if now.After(deadline) {
		return true
	}
	return eligibleVoters > 0 && totalVotes == eligibleVoters
}

// approved reports whether the yes side carries a settlement vote: at least
// half of the full electorate, in integer percentage points.
func approved(yesVotes, eligibleVoters int) (bool, error) {
	if eligibleVoters <= 0 {
		return false, ErrMathOverflow
	}
	scaled, err := checkedMul(int64(yesVotes), 100, ErrMathOverflow)
	if err != nil {
		return false, err
	}
	return scaled/int64(eligibleVoters) >= 50, nil
}

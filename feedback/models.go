package feedback

import "time"

// Review is one party's rating of the other on a completed contract.
type Review struct {
	ContractID  string
	ReviewerID  string
	RevieweeID  string
	Party       string // "client" or "worker"
	Rating      int
	Comment     string
	SubmittedAt time.Time
}

const (
	// MinCommentLen is the minimum review comment length.
	MinCommentLen = 5
	// RatingMin and RatingMax bound the star scale.
	RatingMin = 1
	RatingMax = 5
)

package neynar

import "fmt"

// User is a Farcaster identity as returned by the user endpoints.
type User struct {
	FID            int64  `json:"fid"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	PfpURL         string `json:"pfp_url"`
	FollowerCount  int64  `json:"follower_count,omitempty"`
	FollowingCount int64  `json:"following_count,omitempty"`
}

// BestFriend pairs a partially populated user with its mutual affinity score.
// Only FID and Username are meaningful; callers hydrate the rest via BulkUsers.
type BestFriend struct {
	User                User
	MutualAffinityScore float64
}

// FollowerPage is one page of reciprocal followers. NextCursor is empty on the last page.
type FollowerPage struct {
	Users      []User
	NextCursor string
}

// SignerStatusApproved is the status of a signer the user has authorized.
const SignerStatusApproved = "approved"

// Signer describes a managed signer created by the sign-in flow.
type Signer struct {
	UUID      string `json:"signer_uuid"`
	PublicKey string `json:"public_key"`
	Status    string `json:"status"`
	FID       int64  `json:"fid"`
}

// UpstreamError reports a non-2xx response other than an expected 404.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("neynar %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("neynar %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

type userEnvelope struct {
	User *User `json:"user"`
}

type usersEnvelope struct {
	Users []User `json:"users"`
}

type bestFriendItem struct {
	FID                 int64   `json:"fid"`
	Username            string  `json:"username"`
	MutualAffinityScore float64 `json:"mutual_affinity_score"`
}

type reciprocalEnvelope struct {
	Users []struct {
		User User `json:"user"`
	} `json:"users"`
	Next *struct {
		Cursor *string `json:"cursor"`
	} `json:"next"`
}

package neynar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/metrics"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the Neynar v2 REST root.
	DefaultBaseURL = "https://api.neynar.com/v2"

	defaultTimeout           = 10 * time.Second
	defaultFollowerPageSize  = 100
	maxTruncatedUpstreamBody = 512
	opLookupByUsername       = "lookup_by_username"
	opBulkUsers              = "bulk_users"
	opBestFriends            = "best_friends"
	opReciprocalFollowers    = "reciprocal_followers"
	opSearch                 = "search"
	opLookupSigner           = "lookup_signer"
	pathUserByUsername       = "/farcaster/user/by_username"
	pathUserBulk             = "/farcaster/user/bulk"
	pathUserBestFriends      = "/farcaster/user/best_friends"
	pathFollowersReciprocal  = "/farcaster/followers/reciprocal"
	pathUserSearch           = "/farcaster/user/search"
	pathSigner               = "/farcaster/signer"
)

var (
	// ErrMissingAPIKey is returned when the client is built without a credential.
	ErrMissingAPIKey = errors.New("neynar: api key is required")
	// ErrInvalidFID is returned for non-positive identities.
	ErrInvalidFID = errors.New("neynar: fid must be positive")
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues read requests against the Neynar social graph API.
// It never retries; callers decide how to react to failures.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient validates configuration and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var httpClient *resty.Client
	if cfg.HTTPClient != nil {
		httpClient = resty.NewWithClient(cfg.HTTPClient)
	} else {
		httpClient = resty.New()
	}
	httpClient.
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("accept", "application/json").
		SetHeader("api_key", apiKey)

	return &Client{
		http:   httpClient,
		logger: logger,
	}, nil
}

// LookupByUsername resolves a handle. A 404 is reported as found == false.
func (c *Client) LookupByUsername(ctx context.Context, username string) (User, bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, false, nil
	}

	body, found, err := c.get(ctx, opLookupByUsername, pathUserByUsername, url.Values{"username": {username}}, true)
	if err != nil || !found {
		return User{}, false, err
	}

	var envelope userEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return User{}, false, fmt.Errorf("neynar %s: decode response: %w", opLookupByUsername, err)
	}
	if envelope.User == nil || envelope.User.FID <= 0 {
		return User{}, false, nil
	}
	return *envelope.User, true, nil
}

// LookupByFID resolves a single identity through the bulk endpoint.
func (c *Client) LookupByFID(ctx context.Context, fid int64) (User, bool, error) {
	if fid <= 0 {
		return User{}, false, ErrInvalidFID
	}
	users, err := c.BulkUsers(ctx, []int64{fid})
	if err != nil {
		return User{}, false, err
	}
	for _, user := range users {
		if user.FID == fid {
			return user, true, nil
		}
	}
	return User{}, false, nil
}

// BulkUsers hydrates the given identities in one request. Unknown identities are
// simply absent from the result; empty input makes no request.
func (c *Client) BulkUsers(ctx context.Context, fids []int64) ([]User, error) {
	unique := uniqueFIDs(fids)
	if len(unique) == 0 {
		return []User{}, nil
	}

	parts := make([]string, 0, len(unique))
	for _, fid := range unique {
		parts = append(parts, strconv.FormatInt(fid, 10))
	}

	body, _, err := c.get(ctx, opBulkUsers, pathUserBulk, url.Values{"fids": {strings.Join(parts, ",")}}, false)
	if err != nil {
		return nil, err
	}

	var envelope usersEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("neynar %s: decode response: %w", opBulkUsers, err)
	}
	if envelope.Users == nil {
		return []User{}, nil
	}
	return envelope.Users, nil
}

// BestFriends returns affinity-ranked friends in upstream order.
func (c *Client) BestFriends(ctx context.Context, fid int64, limit int) ([]BestFriend, error) {
	if fid <= 0 {
		return nil, ErrInvalidFID
	}
	query := url.Values{
		"fid":   {strconv.FormatInt(fid, 10)},
		"limit": {strconv.Itoa(limit)},
	}
	body, _, err := c.get(ctx, opBestFriends, pathUserBestFriends, query, false)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Users json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("neynar %s: decode response: %w", opBestFriends, err)
	}

	var items []bestFriendItem
	if len(envelope.Users) == 0 || json.Unmarshal(envelope.Users, &items) != nil {
		c.logger.Warn("unexpected best friends response structure",
			zap.Int64("fid", fid),
			zap.String("body", truncate(string(body))))
		return []BestFriend{}, nil
	}

	friends := make([]BestFriend, 0, len(items))
	for _, item := range items {
		friends = append(friends, BestFriend{
			User: User{
				FID:         item.FID,
				Username:    item.Username,
				DisplayName: item.Username,
			},
			MutualAffinityScore: item.MutualAffinityScore,
		})
	}
	return friends, nil
}

// ReciprocalFollowers fetches one page of mutual follows.
func (c *Client) ReciprocalFollowers(ctx context.Context, fid int64, pageSize int, cursor string) (FollowerPage, error) {
	if fid <= 0 {
		return FollowerPage{}, ErrInvalidFID
	}
	if pageSize <= 0 {
		pageSize = defaultFollowerPageSize
	}
	query := url.Values{
		"fid":   {strconv.FormatInt(fid, 10)},
		"limit": {strconv.Itoa(pageSize)},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	body, _, err := c.get(ctx, opReciprocalFollowers, pathFollowersReciprocal, query, false)
	if err != nil {
		return FollowerPage{}, err
	}

	var envelope reciprocalEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return FollowerPage{}, fmt.Errorf("neynar %s: decode response: %w", opReciprocalFollowers, err)
	}

	page := FollowerPage{Users: make([]User, 0, len(envelope.Users))}
	for _, item := range envelope.Users {
		page.Users = append(page.Users, item.User)
	}
	if envelope.Next != nil && envelope.Next.Cursor != nil {
		page.NextCursor = *envelope.Next.Cursor
	}
	return page, nil
}

// CountReciprocalFollowers walks every page sequentially and returns the total.
// There is no page cap: large accounts cost proportionally many requests.
func (c *Client) CountReciprocalFollowers(ctx context.Context, fid int64, pageSize int) (int, error) {
	total := 0
	cursor := ""
	for {
		page, err := c.ReciprocalFollowers(ctx, fid, pageSize, cursor)
		if err != nil {
			return 0, err
		}
		total += len(page.Users)
		if page.NextCursor == "" {
			return total, nil
		}
		cursor = page.NextCursor
	}
}

// Search performs a best-effort username search. Responses with an unexpected
// shape produce an empty result instead of an error.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	params := url.Values{
		"q":     {query},
		"limit": {strconv.Itoa(limit)},
	}
	body, _, err := c.get(ctx, opSearch, pathUserSearch, params, false)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result struct {
			Users []User `json:"users"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Result.Users == nil {
		if err != nil {
			c.logger.Debug("unexpected search response structure", zap.String("query", query), zap.Error(err))
		}
		return []User{}, nil
	}
	return envelope.Result.Users, nil
}

// LookupSigner returns the managed signer behind a sign-in result.
func (c *Client) LookupSigner(ctx context.Context, signerUUID string) (Signer, error) {
	signerUUID = strings.TrimSpace(signerUUID)
	if signerUUID == "" {
		return Signer{}, errors.New("neynar: signer uuid is required")
	}
	body, _, err := c.get(ctx, opLookupSigner, pathSigner, url.Values{"signer_uuid": {signerUUID}}, false)
	if err != nil {
		return Signer{}, err
	}
	var signer Signer
	if err := json.Unmarshal(body, &signer); err != nil {
		return Signer{}, fmt.Errorf("neynar %s: decode response: %w", opLookupSigner, err)
	}
	return signer, nil
}

func (c *Client) get(ctx context.Context, operation, path string, query url.Values, allowNotFound bool) (body []byte, found bool, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveUpstreamRequest(operation, start, err)
	}()

	response, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(path)
	if err != nil {
		return nil, false, fmt.Errorf("neynar %s: %w", operation, err)
	}

	status := response.StatusCode()
	if allowNotFound && status == http.StatusNotFound {
		return nil, false, nil
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		upstreamErr := &UpstreamError{
			Operation:  operation,
			StatusCode: status,
			Body:       truncate(strings.TrimSpace(response.String())),
		}
		c.logger.Warn("neynar request failed",
			zap.String("operation", operation),
			zap.Int("status", status))
		return nil, false, upstreamErr
	}

	return response.Body(), true, nil
}

func uniqueFIDs(fids []int64) []int64 {
	seen := make(map[int64]struct{}, len(fids))
	unique := make([]int64, 0, len(fids))
	for _, fid := range fids {
		if fid <= 0 {
			continue
		}
		if _, ok := seen[fid]; ok {
			continue
		}
		seen[fid] = struct{}{}
		unique = append(unique, fid)
	}
	return unique
}

func truncate(value string) string {
	if len(value) <= maxTruncatedUpstreamBody {
		return value
	}
	return value[:maxTruncatedUpstreamBody]
}

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gleaner-io/gleaner/pkg/types"
)

// wallItem is a post as returned by wall.get.
type wallItem struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	FromID  int64  `json:"from_id"`
	Date    int64  `json:"date"`
	Text    string `json:"text"`
	Likes   struct {
		Count int `json:"count"`
	} `json:"likes"`
}

type wallResponse struct {
	Count int        `json:"count"`
	Items []wallItem `json:"items"`
}

// PostOptions tune a post listing.
type PostOptions struct {
	PageSize int
	MaxPosts int // 0 = no cap
}

// PostPager walks a community wall newest-first, one page per Next
// call. Pages are fetched lazily; the pager is resumable by its
// integer offset but not restartable from an arbitrary position.
type PostPager struct {
	client    *Client
	groupVkID string
	pageSize  int
	maxPosts  int

	offset int
	total  int
	known  bool
	done   bool
}

// ListPosts returns a lazy pager over the community's wall.
func (c *Client) ListPosts(groupVkID string, opts PostOptions) *PostPager {
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = c.pageSize
	}
	return &PostPager{
		client:    c,
		groupVkID: groupVkID,
		pageSize:  pageSize,
		maxPosts:  opts.MaxPosts,
	}
}

// Total returns the server-reported post count; valid after the first
// Next call (second return false before that).
func (p *PostPager) Total() (int, bool) {
	return p.total, p.known
}

// Offset returns the resume cursor: the number of posts consumed.
func (p *PostPager) Offset() int { return p.offset }

// Next fetches the next page. A nil page with nil error means the
// sequence is exhausted.
func (p *PostPager) Next(ctx context.Context) ([]*types.Post, error) {
	if p.done {
		return nil, nil
	}

	count := p.pageSize
	if p.maxPosts > 0 && p.offset+count > p.maxPosts {
		count = p.maxPosts - p.offset
		if count <= 0 {
			p.done = true
			return nil, nil
		}
	}

	params := url.Values{}
	// Community walls live under negative owner ids.
	params.Set("owner_id", "-"+p.groupVkID)
	params.Set("offset", strconv.Itoa(p.offset))
	params.Set("count", strconv.Itoa(count))

	raw, err := p.client.call(ctx, "wall.get", params)
	if err != nil {
		return nil, err
	}

	var resp wallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, types.WrapError(types.ErrUpstreamPermanent, "unexpected wall.get shape", err)
	}

	p.total = resp.Count
	if p.maxPosts > 0 && p.total > p.maxPosts {
		p.total = p.maxPosts
	}
	p.known = true

	if len(resp.Items) == 0 {
		p.done = true
		return nil, nil
	}

	posts := make([]*types.Post, 0, len(resp.Items))
	for _, it := range resp.Items {
		posts = append(posts, &types.Post{
			VkPostID: it.ID,
			OwnerID:  it.OwnerID,
			GroupID:  p.groupVkID,
			Text:     it.Text,
			Date:     time.Unix(it.Date, 0).UTC(),
			Likes:    it.Likes.Count,
		})
	}

	p.offset += len(resp.Items)
	if p.offset >= p.total {
		p.done = true
	}
	return posts, nil
}

// commentItem is a comment as returned by wall.getComments.
type commentItem struct {
	ID     int64  `json:"id"`
	FromID int64  `json:"from_id"`
	Date   int64  `json:"date"`
	Text   string `json:"text"`
	Likes  struct {
		Count int `json:"count"`
	} `json:"likes"`
}

// profileItem is a user entry of an extended response.
type profileItem struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type commentsResponse struct {
	Count    int           `json:"count"`
	Items    []commentItem `json:"items"`
	Profiles []profileItem `json:"profiles"`
	Groups   []groupItem   `json:"groups"`
}

// authorNames maps from_id to a display name. Users carry positive
// ids; comments left by communities carry the negated community id.
func (r *commentsResponse) authorNames() map[int64]string {
	names := make(map[int64]string, len(r.Profiles)+len(r.Groups))
	for _, p := range r.Profiles {
		names[p.ID] = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	for _, g := range r.Groups {
		names[-g.ID] = g.Name
	}
	return names
}

// CommentOptions tune a comment listing. Sort must be one of the
// exported sort constants; empty defaults to ascending.
type CommentOptions struct {
	Sort     string
	PageSize int
}

// CommentPager walks the comments of one post in the requested order.
type CommentPager struct {
	client   *Client
	ownerID  int64
	postVkID int64
	sort     string
	pageSize int

	offset int
	total  int
	known  bool
	done   bool
}

// ListComments returns a lazy pager over a post's comments. An invalid
// sort is rejected up front rather than sent upstream.
func (c *Client) ListComments(ownerID, postVkID int64, opts CommentOptions) (*CommentPager, error) {
	sort := opts.Sort
	if sort == "" {
		sort = SortAsc
	}
	if !ValidSort(sort) {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid comment sort: %q", opts.Sort))
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = c.pageSize
	}
	return &CommentPager{
		client:   c,
		ownerID:  ownerID,
		postVkID: postVkID,
		sort:     sort,
		pageSize: pageSize,
	}, nil
}

// Total returns the server-reported comment count; valid after the
// first Next call.
func (p *CommentPager) Total() (int, bool) {
	return p.total, p.known
}

// Next fetches the next page. A nil page with nil error means the
// sequence is exhausted.
func (p *CommentPager) Next(ctx context.Context) ([]*types.Comment, error) {
	if p.done {
		return nil, nil
	}

	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(p.ownerID, 10))
	params.Set("post_id", strconv.FormatInt(p.postVkID, 10))
	// The sort parameter is mandatory: the unset form is rejected
	// upstream.
	params.Set("sort", p.sort)
	params.Set("offset", strconv.Itoa(p.offset))
	params.Set("count", strconv.Itoa(p.pageSize))
	// extended=1 adds the author profiles needed for display names.
	params.Set("extended", "1")

	raw, err := p.client.call(ctx, "wall.getComments", params)
	if err != nil {
		return nil, err
	}

	var resp commentsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, types.WrapError(types.ErrUpstreamPermanent, "unexpected wall.getComments shape", err)
	}

	p.total = resp.Count
	p.known = true

	if len(resp.Items) == 0 {
		p.done = true
		return nil, nil
	}

	names := resp.authorNames()
	comments := make([]*types.Comment, 0, len(resp.Items))
	for _, it := range resp.Items {
		comments = append(comments, &types.Comment{
			VkCommentID: it.ID,
			PostVkID:    p.postVkID,
			OwnerID:     p.ownerID,
			AuthorID:    it.FromID,
			AuthorName:  names[it.FromID],
			Text:        it.Text,
			Date:        time.Unix(it.Date, 0).UTC(),
			Likes:       it.Likes.Count,
		})
	}

	p.offset += len(resp.Items)
	if p.offset >= p.total {
		p.done = true
	}
	return comments, nil
}

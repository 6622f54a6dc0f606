package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/tagged/pkg/dispatch"
	"github.com/daviddao/tagged/pkg/model"
)

// IsLiked reads whether userID likes the document.
func (c *Client) IsLiked(ctx context.Context, userID string, docType model.ResourceType, docID string) (model.LikeReport, error) {
	if userID == "" || docID == "" {
		return model.LikeReport{}, fmt.Errorf("islike: user and doc id are required")
	}
	resp, err := c.d.Do(ctx, dispatch.Request{
		Method: http.MethodGet,
		Path:   "/user/" + url.PathEscape(userID) + "/islike",
		Query:  url.Values{"doc_type": {string(docType)}, "doc_id": {docID}},
		Auth:   true,
	})
	if err != nil {
		return model.LikeReport{}, err
	}
	st, err := decode[likeStatus](resp)
	if err != nil {
		return model.LikeReport{}, err
	}
	return st.report(), nil
}

// Like marks the document liked. A 409 that outlasts the retries means it
// already was, and is not an error.
func (c *Client) Like(ctx context.Context, userID string, docType model.ResourceType, docID string) error {
	return c.setLike(ctx, "like", userID, docType, docID)
}

// Unlike clears the like. 409 is handled as for Like.
func (c *Client) Unlike(ctx context.Context, userID string, docType model.ResourceType, docID string) error {
	return c.setLike(ctx, "unlike", userID, docType, docID)
}

func (c *Client) setLike(ctx context.Context, verb, userID string, docType model.ResourceType, docID string) error {
	if userID == "" || docID == "" || docType == "" {
		return fmt.Errorf("%s: user, doc type and doc id are required", verb)
	}
	path := fmt.Sprintf("/user/%s/%s/%s/%s",
		url.PathEscape(userID), verb, url.PathEscape(string(docType)), url.PathEscape(docID))
	resp, err := c.d.Do(ctx, dispatch.Request{Method: http.MethodPost, Path: path, Auth: true})
	if err != nil {
		return err
	}
	if resp.NoOp() {
		c.log.Debug("like mutation was a no-op", zap.String("verb", verb), zap.String("doc_id", docID))
		return nil
	}
	if len(resp.Body) == 0 {
		return nil
	}
	var env model.Envelope[json.RawMessage]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return envelopeError(env)
}

// LikeStatuses reads the like status of many documents concurrently. It
// fails if any single read fails.
func (c *Client) LikeStatuses(ctx context.Context, userID string, docType model.ResourceType, ids []string) (map[string]model.LikeReport, error) {
	out := make(map[string]model.LikeReport, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			r, err := c.IsLiked(gctx, userID, docType, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			mu.Lock()
			out[id] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LikeMutator adapts a Client to the optimistic coordinator.
type LikeMutator struct {
	Client *Client
}

// Mutate likes or unlikes target on behalf of target.Actor.
func (m LikeMutator) Mutate(ctx context.Context, target model.MutationTarget, liked bool) error {
	if liked {
		return m.Client.Like(ctx, target.Actor, target.Resource, target.ID)
	}
	return m.Client.Unlike(ctx, target.Actor, target.Resource, target.ID)
}

// Read returns the authoritative like status of target.
func (m LikeMutator) Read(ctx context.Context, target model.MutationTarget) (model.LikeReport, error) {
	return m.Client.IsLiked(ctx, target.Actor, target.Resource, target.ID)
}

package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/daviddao/tagged/pkg/model"
)

// validator is implemented by wire types that check their own shape after
// decoding.
type validator interface {
	Validate() error
}

// likeStatus is the data of GET /user/{id}/islike. The backend has sent
// both a bare boolean and an object; both are accepted.
type likeStatus struct {
	IsLike    *bool `json:"is_like"`
	LikeCount *int  `json:"like_count"`
}

func (l *likeStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		l.IsLike = &v
		return nil
	}
	type plain likeStatus
	return json.Unmarshal(b, (*plain)(l))
}

func (l *likeStatus) Validate() error {
	if l.IsLike == nil {
		return fmt.Errorf("is_like missing")
	}
	if l.LikeCount != nil && *l.LikeCount < 0 {
		return fmt.Errorf("like_count %d is negative", *l.LikeCount)
	}
	return nil
}

func (l *likeStatus) report() model.LikeReport {
	r := model.LikeReport{IsLiked: *l.IsLike}
	if l.LikeCount != nil {
		r.Count, r.HasCount = *l.LikeCount, true
	}
	return r
}

// TaggedItem is a clothing item tagged on an image.
type TaggedItem struct {
	DocID    string  `json:"item_doc_id"`
	Name     string  `json:"name,omitempty"`
	Brand    string  `json:"brand,omitempty"`
	ImageURL string  `json:"img_url,omitempty"`
	Left     float64 `json:"left,omitempty"`
	Top      float64 `json:"top,omitempty"`
}

// Image is one image with its tagged items.
type Image struct {
	DocID     string       `json:"image_doc_id"`
	URL       string       `json:"img_url"`
	Title     string       `json:"title,omitempty"`
	Style     string       `json:"style,omitempty"`
	LikeCount int          `json:"like"`
	Items     []TaggedItem `json:"items,omitempty"`
}

func (i *Image) Validate() error {
	if i.DocID == "" {
		return fmt.Errorf("image_doc_id missing")
	}
	if i.URL == "" {
		return fmt.Errorf("image %s: img_url missing", i.DocID)
	}
	for _, it := range i.Items {
		if it.DocID == "" {
			return fmt.Errorf("image %s: item without item_doc_id", i.DocID)
		}
	}
	return nil
}

// ImagePage is one page of GET /images.
type ImagePage struct {
	Images []Image `json:"images"`
	NextID string  `json:"next_id,omitempty"`
}

func (p *ImagePage) Validate() error {
	for i := range p.Images {
		if err := p.Images[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SearchResult is the data of GET /search.
type SearchResult struct {
	Images []Image      `json:"images"`
	Items  []TaggedItem `json:"items"`
}

func (s *SearchResult) Validate() error {
	for i := range s.Images {
		if err := s.Images[i].Validate(); err != nil {
			return err
		}
	}
	for _, it := range s.Items {
		if it.DocID == "" {
			return fmt.Errorf("search item without item_doc_id")
		}
	}
	return nil
}

// Document is a feed entry or content page.
type Document struct {
	DocID       string     `json:"doc_id"`
	DocType     string     `json:"doc_type"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	ImageURL    string     `json:"img_url,omitempty"`
	LikeCount   int        `json:"like"`
	Images      []Image    `json:"images,omitempty"`
	Children    []Document `json:"children,omitempty"`
}

func (d *Document) Validate() error {
	if d.DocID == "" {
		return fmt.Errorf("doc_id missing")
	}
	for i := range d.Images {
		if err := d.Images[i].Validate(); err != nil {
			return fmt.Errorf("doc %s: %w", d.DocID, err)
		}
	}
	for i := range d.Children {
		if err := d.Children[i].Validate(); err != nil {
			return fmt.Errorf("doc %s: %w", d.DocID, err)
		}
	}
	return nil
}

// Feed is the data of GET /feeds/*.
type Feed struct {
	Name  string     `json:"name,omitempty"`
	Items []Document `json:"items"`
}

func (f *Feed) Validate() error {
	for i := range f.Items {
		if err := f.Items[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

// LoginResult is the data of POST /auth/login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	UserDocID   string `json:"user_doc_id"`
	Email       string `json:"email"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

func (r *LoginResult) Validate() error {
	if r.AccessToken == "" {
		return fmt.Errorf("access_token missing")
	}
	if r.UserDocID == "" {
		return fmt.Errorf("user_doc_id missing")
	}
	if r.ExpiresIn < 0 {
		return fmt.Errorf("expires_in %d is negative", r.ExpiresIn)
	}
	return nil
}

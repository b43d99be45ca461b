/**
 * @description
 * This package provides a client for the course catalog service. Checkout uses it to
 * snapshot the price, owner and category of a course version; the payout batch uses it
 * to look up where a teacher's earnings are sent.
 */
package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrCourseVersionNotFound = errors.New("course version not found")
	ErrPayoutProfileNotFound = errors.New("teacher payout profile not found")
)

// Client is a client for the catalog service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new catalog service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CourseVersion is the purchasable snapshot of a course.
type CourseVersion struct {
	CourseID   uuid.UUID       `json:"course_id"`
	VersionID  uuid.UUID       `json:"version_id"`
	TeacherID  uuid.UUID       `json:"teacher_id"`
	CategoryID *uuid.UUID      `json:"category_id,omitempty"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	Published  bool            `json:"published"`
}

// PayoutProfile is the bank destination registered by a teacher.
type PayoutProfile struct {
	TeacherID     uuid.UUID `json:"teacher_id"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	AccountName   string    `json:"account_name"`
}

// GetCourseVersion fetches a course version by ID.
func (c *Client) GetCourseVersion(ctx context.Context, versionID uuid.UUID) (*CourseVersion, error) {
	var version CourseVersion
	status, err := c.get(ctx, "/internal/course-versions/"+url.PathEscape(versionID.String()), &version)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrCourseVersionNotFound
		}
		return nil, err
	}
	return &version, nil
}

// GetTeacherPayoutProfile fetches the bank destination for a teacher.
func (c *Client) GetTeacherPayoutProfile(ctx context.Context, teacherID uuid.UUID) (*PayoutProfile, error) {
	var profile PayoutProfile
	status, err := c.get(ctx, "/internal/teachers/"+url.PathEscape(teacherID.String())+"/payout-profile", &profile)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrPayoutProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) (int, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("catalog service base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-Internal-API-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request to catalog service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

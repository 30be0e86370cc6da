package sesile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// DefaultDaysToValidated is the signing deadline granted when neither the
// document nor the profile configuration provides one
const DefaultDaysToValidated = 3

// Client talks to the signing circuit
type Client struct {
	v3URL  string
	v4URL  string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a circuit client for the two API generation base URLs
func NewClient(v3URL, v4URL string, opts ...ClientOption) *Client {
	c := &Client{
		v3URL:  strings.TrimRight(v3URL, "/"),
		v4URL:  strings.TrimRight(v4URL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) baseURL(account Account) string {
	if account.NewVersion {
		return c.v4URL
	}
	return c.v3URL
}

func (c *Client) fallbackURL(account Account) string {
	if account.NewVersion {
		return c.v3URL
	}
	return c.v4URL
}

// CreateClasseur deposits a new classeur on the circuit
func (c *Client) CreateClasseur(ctx context.Context, account Account, req ClasseurRequest) (*Classeur, error) {
	if account.NewVersion {
		req.Siren = account.Siren
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding classeur request: %w", err)
	}

	var classeur Classeur
	err = c.do(ctx, account, http.MethodPost, "/api/classeur/", bytes.NewReader(body),
		"application/json", false, &classeur)
	if err != nil {
		return nil, fmt.Errorf("creating classeur: %w", err)
	}
	return &classeur, nil
}

// AddFile uploads a file into an existing classeur
func (c *Client) AddFile(ctx context.Context, account Account, classeurID int, filename string, content []byte) (*Document, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", filename); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.WriteField("filename", filename); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}

	var document Document
	path := fmt.Sprintf("/api/classeur/%d/newDocuments", classeurID)
	err = c.do(ctx, account, http.MethodPost, path, &buf, mw.FormDataContentType(), false, &document)
	if err != nil {
		return nil, fmt.Errorf("uploading file to classeur %d: %w", classeurID, err)
	}
	return &document, nil
}

// GetClasseur fetches the current state of a classeur
func (c *Client) GetClasseur(ctx context.Context, account Account, classeurID int) (*Classeur, error) {
	var classeur Classeur
	path := fmt.Sprintf("/api/classeur/%d", classeurID)
	if err := c.do(ctx, account, http.MethodGet, path, nil, "", true, &classeur); err != nil {
		return nil, fmt.Errorf("fetching classeur %d: %w", classeurID, err)
	}
	return &classeur, nil
}

// ClasseurWithdrawn reports whether a classeur was pulled from its circuit
func (c *Client) ClasseurWithdrawn(ctx context.Context, account Account, classeurID int) (bool, error) {
	classeur, err := c.GetClasseur(ctx, account, classeurID)
	if err != nil {
		return false, err
	}
	return classeur.Status == StatusWithdrawn, nil
}

// GetDocument fetches the metadata of a deposited document
func (c *Client) GetDocument(ctx context.Context, account Account, documentID int) (*Document, error) {
	var document Document
	path := fmt.Sprintf("/api/document/%d", documentID)
	if err := c.do(ctx, account, http.MethodGet, path, nil, "", true, &document); err != nil {
		return nil, fmt.Errorf("fetching document %d: %w", documentID, err)
	}
	return &document, nil
}

// DocumentSigned reports whether the circuit finished signing a document
func (c *Client) DocumentSigned(ctx context.Context, account Account, documentID int) (bool, error) {
	document, err := c.GetDocument(ctx, account, documentID)
	if err != nil {
		return false, err
	}
	return document.Signed, nil
}

// DocumentContent downloads the (possibly signed) document bytes
func (c *Client) DocumentContent(ctx context.Context, account Account, documentID int) ([]byte, error) {
	path := fmt.Sprintf("/api/document/%d/content", documentID)
	data, err := c.doRaw(ctx, account, http.MethodGet, c.baseURL(account)+path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("downloading document %d: %w", documentID, err)
	}
	return data, nil
}

// Types lists the classeur categories of the account's organisation
func (c *Client) Types(ctx context.Context, account Account) ([]ClasseurType, error) {
	var types []ClasseurType
	if err := c.do(ctx, account, http.MethodGet, "/api/classeur/types/", nil, "", false, &types); err != nil {
		return nil, fmt.Errorf("listing classeur types: %w", err)
	}
	return types, nil
}

// ServiceOrganisations lists the circuits available to an agent, with
// their classeur types resolved
func (c *Client) ServiceOrganisations(ctx context.Context, account Account, email string) ([]ServiceOrganisation, error) {
	organisations, err := c.rawServiceOrganisations(ctx, account, email)
	if err != nil {
		return nil, err
	}

	types, err := c.Types(ctx, account)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]ClasseurType, len(types))
	for _, t := range types {
		byID[t.ID] = t
	}
	for i := range organisations {
		for _, id := range organisations[i].TypeClasseur {
			if t, ok := byID[id]; ok {
				organisations[i].Types = append(organisations[i].Types, t)
			}
		}
	}
	return organisations, nil
}

// HeliosServiceOrganisations lists only the circuits accepting treasury
// flux classeurs
func (c *Client) HeliosServiceOrganisations(ctx context.Context, account Account, email string) ([]ServiceOrganisation, error) {
	organisations, err := c.ServiceOrganisations(ctx, account, email)
	if err != nil {
		return nil, err
	}

	var helios []ServiceOrganisation
	for _, org := range organisations {
		for _, t := range org.Types {
			if t.Nom == "Helios" {
				helios = append(helios, org)
				break
			}
		}
	}
	return helios, nil
}

func (c *Client) rawServiceOrganisations(ctx context.Context, account Account, email string) ([]ServiceOrganisation, error) {
	var path string
	if account.NewVersion {
		path = fmt.Sprintf("/api/user/%s/org/%s/circuits", email, account.Siren)
	} else {
		path = fmt.Sprintf("/api/user/services/%s", email)
	}

	var organisations []ServiceOrganisation
	if err := c.do(ctx, account, http.MethodGet, path, nil, "", false, &organisations); err != nil {
		return nil, fmt.Errorf("listing circuits: %w", err)
	}
	return organisations, nil
}

// ValidationDeadline resolves the signing deadline sent with a classeur.
// A nil limit falls back to now plus the profile's configured day count;
// a limit already in the past is clamped forward so the circuit never
// receives an expired deadline.
func (c *Client) ValidationDeadline(limit *time.Time, daysToValidated int) string {
	if daysToValidated <= 0 {
		daysToValidated = DefaultDaysToValidated
	}

	now := c.now()
	deadline := now.AddDate(0, 0, daysToValidated)
	if limit != nil {
		deadline = *limit
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if deadline.Before(today) {
		deadline = now.AddDate(0, 0, DefaultDaysToValidated)
	}

	return deadline.Format("02/01/2006")
}

// do performs a request against the account's API generation, optionally
// retrying once on the other generation when rejected with 403
func (c *Client) do(ctx context.Context, account Account, method, path string, body io.Reader, contentType string, fallback bool, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return err
		}
	}

	data, err := c.doRaw(ctx, account, method, c.baseURL(account)+path, bytes.NewReader(bodyBytes), contentType)
	if isForbidden(err) && fallback {
		c.logger.Warn("circuit rejected request, retrying on other API generation",
			"path", path, "fallback", c.fallbackURL(account))
		data, err = c.doRaw(ctx, account, method, c.fallbackURL(account)+path, bytes.NewReader(bodyBytes), contentType)
	}
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding circuit response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, account Account, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("token", account.Token)
	req.Header.Set("secret", account.Secret)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: string(data)}
	}
	return data, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("circuit returned status %d: %s", e.code, e.body)
}

func isForbidden(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusForbidden
}

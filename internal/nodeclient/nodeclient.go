// Package nodeclient is the Backup Daemon's HTTP client to the Master
// (spec §4.1 upload stage, §4.4 credential fetch, §4.6). Grounded on the
// teacher's license server client (internal/license/client.go): a bare
// *http.Client with a fixed timeout, JSON request/response bodies, and an
// exported package-level Client type rather than a generated SDK.
package nodeclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client authenticates to the Master with the Node's plaintext API key over
// the X-API-KEY/X-Node-ID scheme (spec §6.1 NodeAuthRequired), never caching
// response secrets beyond the call that fetched them (spec §4.4).
type Client struct {
	baseURL        string
	nodeExternalID string
	apiKey         string
	httpClient     *http.Client
}

func New(baseURL, nodeExternalID, apiKey string) *Client {
	return &Client{
		baseURL:        baseURL,
		nodeExternalID: nodeExternalID,
		apiKey:         apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// QuotaCheckResponse mirrors quota.Projection as returned by
// GET /sites/{id}/quota/check.
type QuotaCheckResponse struct {
	CanProceed        bool   `json:"can_proceed"`
	ProjectedSiteUsed int64  `json:"projected_site_used"`
	ProjectedNodeUsed int64  `json:"projected_node_used"`
	SiteQuota         int64  `json:"site_quota"`
	NodeQuota         int64  `json:"node_quota"`
	Warning           string `json:"warning,omitempty"`
}

// QuotaCheck issues the upload stage's pre-flight quota check (spec §4.1,
// §4.5).
func (c *Client) QuotaCheck(siteExternalID string, estimatedBytes int64) (*QuotaCheckResponse, error) {
	var out QuotaCheckResponse
	path := fmt.Sprintf("/api/sites/%s/quota/check?estimated_bytes=%d", siteExternalID, estimatedBytes)
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CredentialsResponse carries sealed-then-unsealed storage credentials: the
// Master unseals them server-side and hands plaintext over TLS, since only
// the Master holds the master key (spec §4.4).
type CredentialsResponse struct {
	ProviderID uint   `json:"provider_id"`
	Endpoint   string `json:"endpoint"`
	Region     string `json:"region"`
	Bucket     string `json:"bucket"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	UseSSL     bool   `json:"use_ssl"`
}

// FetchCredentials retrieves the storage provider credentials the Node
// should upload to for this site (spec §4.4: fetched per upload, never
// cached beyond the call).
func (c *Client) FetchCredentials(siteExternalID string) (*CredentialsResponse, error) {
	var out CredentialsResponse
	path := fmt.Sprintf("/api/sites/%s/storage-credentials", siteExternalID)
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportResultRequest is the terminal report for a job (spec §4.1, §4.3).
type ReportResultRequest struct {
	JobID           string `json:"job_id"`
	SiteExternalID  string `json:"site_external_id"`
	Epoch           int64  `json:"epoch"`
	Status          string `json:"status"` // COMPLETED, FAILED, STOPPED
	ErrorKind       string `json:"error_kind,omitempty"`
	Message         string `json:"message,omitempty"`
	Filename        string `json:"filename,omitempty"`
	SizeBytes       int64  `json:"size_bytes,omitempty"`
	ObjectStorePath string `json:"object_store_path,omitempty"`
	ProviderID      uint   `json:"provider_id,omitempty"`
}

// ReportResult posts the job's terminal outcome so the Master can run
// post-flight accounting (quota.PostFlight) or mark the progress row FAILED.
func (c *Client) ReportResult(req ReportResultRequest) error {
	return c.do(http.MethodPost, "/api/backups/report", req, nil)
}

// ReportProgressRequest is one throttled progress update (spec §4.1, 4 Hz cap).
type ReportProgressRequest struct {
	JobID           string  `json:"job_id"`
	SiteExternalID  string  `json:"site_external_id"`
	Epoch           int64   `json:"epoch"`
	Stage           string  `json:"stage"`
	ProgressPercent float64 `json:"progress_percent"`
	BytesProcessed  int64   `json:"bytes_processed,omitempty"`
	BytesTotal      int64   `json:"bytes_total,omitempty"`
	Message         string  `json:"message,omitempty"`
}

func (c *Client) ReportProgress(req ReportProgressRequest) error {
	return c.do(http.MethodPost, "/api/backups/progress", req, nil)
}

// ClaimJob allocates a progress epoch for a job the daemon is about to run,
// racing against a user-initiated StartBackup for the same compare-and-set
// lock (spec §4.3, §4.7).
func (c *Client) ClaimJob(siteExternalID string) (epoch int64, err error) {
	var out struct {
		Epoch int64 `json:"epoch"`
	}
	path := fmt.Sprintf("/api/sites/%s/backup/claim", siteExternalID)
	if err := c.do(http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Epoch, nil
}

// CancelCheck polls whether an operator has requested cancellation of the
// RUNNING job at this epoch, since StopBackup's request lands in Master's
// in-memory progressstore, not this process (spec §4.3).
func (c *Client) CancelCheck(siteExternalID string, epoch int64) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	path := fmt.Sprintf("/api/sites/%s/backup/cancel-check?epoch=%d", siteExternalID, epoch)
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// DueSite is one entry of the daemon's pull-based dispatch backlog (spec
// §4.7). db_password travels here even though models.Site hides it from
// ordinary API responses, since this channel is node-auth-only.
type DueSite struct {
	ID            uint   `json:"id"`
	ExternalID    string `json:"external_id"`
	Name          string `json:"name"`
	WPConfigPath  string `json:"wp_config_path"`
	WPContentPath string `json:"wp_content_path"`
	DBHost        string `json:"db_host"`
	DBName        string `json:"db_name"`
	DBUser        string `json:"db_user"`
	DBPassword    string `json:"db_password"`
}

// DueSites polls the Master for this Node's backlog of sites whose
// scheduled run has come due.
func (c *Client) DueSites() ([]DueSite, error) {
	var out []DueSite
	if err := c.do(http.MethodGet, "/api/nodes/due-sites", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinRequestResponse carries the registration code issued by Master for a
// fresh, unauthenticated Node to display on its console (spec §4.4 Join).
type JoinRequestResponse struct {
	NodeID           uint   `json:"node_id"`
	ExternalID       string `json:"external_id"`
	RegistrationCode string `json:"registration_code"`
}

// JoinRequest is the unauthenticated bootstrap call a fresh Node makes
// before it has an API key at all (spec §4.4, §6.3 POST /nodes/join-request).
func JoinRequest(baseURL, hostname, address string) (*JoinRequestResponse, error) {
	var out JoinRequestResponse
	if err := unauthDo(baseURL, http.MethodPost, "/api/nodes/join-request", map[string]string{
		"hostname": hostname,
		"address":  address,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollStatusResponse mirrors enroll.PollResult.
type PollStatusResponse struct {
	NodeID     uint   `json:"node_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	APIKey     string `json:"api_key,omitempty"`
}

// PollStatus is the unauthenticated poll a pending Node repeats until an
// admin approves it (spec §4.4 step 4, §6.3 GET /nodes/status/code/{code}).
func PollStatus(baseURL, code string) (*PollStatusResponse, error) {
	var out PollStatusResponse
	if err := unauthDo(baseURL, http.MethodGet, "/api/nodes/status/code/"+code, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// unauthDo unwraps the {success, data} envelope the handlers use for every
// user/console-facing response, since enrollment happens before the Node
// has any credentials to present.
func unauthDo(baseURL, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("nodeclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("nodeclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("nodeclient: decode %s: %w", path, err)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("nodeclient: decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-Node-ID", c.nodeExternalID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nodeclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("nodeclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("nodeclient: decode %s: %w", path, err)
		}
	}
	return nil
}

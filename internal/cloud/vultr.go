package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const vultrBaseURL = "https://api.vultr.com/v2"

// Vultr drives instances through the Vultr v2 REST API.
type Vultr struct {
	token   string
	region  string
	plan    string
	baseURL string
	http    *http.Client
}

// NewVultr creates a Vultr provider for the given region and plan.
func NewVultr(token, region, plan string) *Vultr {
	return &Vultr{
		token:   token,
		region:  region,
		plan:    plan,
		baseURL: vultrBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// vultrApp is the marketplace application installed on new instances.
const vultrApp = "docker"

func (v *Vultr) Provision(ctx context.Context, opts ProvisionOpts) (Instance, error) {
	appID, err := v.appID(ctx, vultrApp)
	if err != nil {
		return Instance{}, err
	}

	keyIDs := make([]string, 0, len(opts.SSHKeys))
	for _, key := range opts.SSHKeys {
		id, err := v.sshKeyID(ctx, key)
		if err != nil {
			return Instance{}, err
		}
		keyIDs = append(keyIDs, id)
	}

	label := opts.Name
	if label == "" {
		label = "dispenser-" + uuid.NewString()[:8]
	}

	params := vultrCreateParams{
		Region:   v.region,
		Plan:     v.plan,
		Label:    label,
		Tags:     []string{OwnershipTag},
		AppID:    appID,
		SSHKeyID: keyIDs,
	}
	if opts.UserData != "" {
		params.UserData = base64.StdEncoding.EncodeToString([]byte(opts.UserData))
	}
	body, err := json.Marshal(params)
	if err != nil {
		return Instance{}, apiErr("vultr", "create instance", err)
	}

	status, data, err := v.do(ctx, "POST", "/instances", bytes.NewReader(body))
	if err != nil {
		return Instance{}, apiErr("vultr", "create instance", err)
	}
	if status != http.StatusAccepted && status != http.StatusCreated {
		return Instance{}, apiErr("vultr", "create instance", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Instance{}, apiErr("vultr", "create instance", err)
	}
	return resp.Instance.instance(), nil
}

func (v *Vultr) List(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	cursor := ""
	for {
		path := "/instances?per_page=500"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		status, data, err := v.do(ctx, "GET", path, nil)
		if err != nil {
			return nil, apiErr("vultr", "list instances", err)
		}
		if status != http.StatusOK {
			return nil, apiErr("vultr", "list instances", fmt.Errorf("unexpected response %d: %s", status, data))
		}

		var resp struct {
			Instances []vultrInstance `json:"instances"`
			Meta      struct {
				Links struct {
					Next string `json:"next"`
				} `json:"links"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, apiErr("vultr", "list instances", err)
		}
		for _, inst := range resp.Instances {
			instances = append(instances, inst.instance())
		}
		if resp.Meta.Links.Next == "" {
			return instances, nil
		}
		cursor = resp.Meta.Links.Next
	}
}

func (v *Vultr) Describe(ctx context.Context, id string) (Instance, error) {
	status, data, err := v.do(ctx, "GET", "/instances/"+id, nil)
	if err != nil {
		return Instance{}, apiErr("vultr", "get instance", err)
	}
	if status == http.StatusNotFound {
		return Instance{}, ErrNotFound
	}
	if status != http.StatusOK {
		return Instance{}, apiErr("vultr", "get instance", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Instance{}, apiErr("vultr", "get instance", err)
	}
	return resp.Instance.instance(), nil
}

func (v *Vultr) Terminate(ctx context.Context, id string) error {
	status, data, err := v.do(ctx, "DELETE", "/instances/"+id, nil)
	if err != nil {
		return apiErr("vultr", "delete instance", err)
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return apiErr("vultr", "delete instance", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	return nil
}

// Tag retroactively attaches the ownership tag to an adopted instance.
func (v *Vultr) Tag(ctx context.Context, id string) error {
	current, err := v.Describe(ctx, id)
	if err != nil {
		return err
	}
	if current.Owned() {
		return nil
	}

	body, _ := json.Marshal(map[string]any{
		"tags": append(current.Tags, OwnershipTag),
	})
	status, data, err := v.do(ctx, "PATCH", "/instances/"+id, bytes.NewReader(body))
	if err != nil {
		return apiErr("vultr", "tag instance", err)
	}
	if status != http.StatusAccepted && status != http.StatusNoContent {
		return apiErr("vultr", "tag instance", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	return nil
}

// appID resolves a marketplace application short name to its numeric id.
func (v *Vultr) appID(ctx context.Context, shortName string) (int, error) {
	status, data, err := v.do(ctx, "GET", "/applications?per_page=500", nil)
	if err != nil {
		return 0, apiErr("vultr", "list applications", err)
	}
	if status != http.StatusOK {
		return 0, apiErr("vultr", "list applications", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		Applications []struct {
			ID        int    `json:"id"`
			ShortName string `json:"short_name"`
		} `json:"applications"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, apiErr("vultr", "list applications", err)
	}
	for _, app := range resp.Applications {
		if app.ShortName == shortName {
			return app.ID, nil
		}
	}
	return 0, apiErr("vultr", "list applications", fmt.Errorf("application %q not found", shortName))
}

// sshKeyID resolves a configured public key to its account key id, uploading
// the key when the account does not have it yet.
func (v *Vultr) sshKeyID(ctx context.Context, publicKey string) (string, error) {
	status, data, err := v.do(ctx, "GET", "/ssh-keys?per_page=500", nil)
	if err != nil {
		return "", apiErr("vultr", "list ssh keys", err)
	}
	if status != http.StatusOK {
		return "", apiErr("vultr", "list ssh keys", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		SSHKeys []struct {
			ID     string `json:"id"`
			SSHKey string `json:"ssh_key"`
		} `json:"ssh_keys"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", apiErr("vultr", "list ssh keys", err)
	}
	for _, key := range resp.SSHKeys {
		if key.SSHKey == publicKey {
			return key.ID, nil
		}
	}

	body, _ := json.Marshal(map[string]string{
		"name":    "Dispenser Key",
		"ssh_key": publicKey,
	})
	status, data, err = v.do(ctx, "POST", "/ssh-keys", bytes.NewReader(body))
	if err != nil {
		return "", apiErr("vultr", "create ssh key", err)
	}
	if status != http.StatusCreated {
		return "", apiErr("vultr", "create ssh key", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	var created struct {
		SSHKey struct {
			ID string `json:"id"`
		} `json:"ssh_key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", apiErr("vultr", "create ssh key", err)
	}
	return created.SSHKey.ID, nil
}

// do performs one API request with the bearer token. Reads are retried a few
// times on transport errors; writes are not, since a timed-out create may
// still have gone through on the provider side.
func (v *Vultr) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	attempts := 1
	if method == "GET" || method == "DELETE" {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+v.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := v.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.StatusCode, data, ErrUnauthorized
		}
		return resp.StatusCode, data, nil
	}
	return 0, nil, lastErr
}

type vultrCreateParams struct {
	Region   string   `json:"region"`
	Plan     string   `json:"plan"`
	Label    string   `json:"label"`
	Tags     []string `json:"tags"`
	AppID    int      `json:"app_id"`
	SSHKeyID []string `json:"sshkey_id,omitempty"`
	UserData string   `json:"user_data,omitempty"`
}

type vultrInstance struct {
	ID          string    `json:"id"`
	MainIP      string    `json:"main_ip"`
	Tags        []string  `json:"tags"`
	DateCreated time.Time `json:"date_created"`
	Status      string    `json:"status"`
	PowerStatus string    `json:"power_status"`
}

func (v vultrInstance) instance() Instance {
	inst := Instance{
		ID:        v.ID,
		CreatedAt: v.DateCreated,
		Tags:      v.Tags,
	}
	switch {
	case v.Status == "pending":
		inst.Status = StatusProvisioning
	case v.Status == "active" && v.PowerStatus == "running":
		inst.Status = StatusRunning
	default:
		inst.Status = StatusStopped
	}
	// the API reports 0.0.0.0 until an address is assigned
	if v.MainIP != "" && v.MainIP != "0.0.0.0" {
		inst.PublicIP = v.MainIP
	}
	return inst
}

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const digitalOceanBaseURL = "https://api.digitalocean.com/v2"

// DigitalOcean drives droplets through the DigitalOcean v2 REST API.
type DigitalOcean struct {
	token   string
	region  string
	plan    string
	baseURL string
	http    *http.Client
}

// NewDigitalOcean creates a DigitalOcean provider for the given region and
// droplet size.
func NewDigitalOcean(token, region, plan string) *DigitalOcean {
	return &DigitalOcean{
		token:   token,
		region:  region,
		plan:    plan,
		baseURL: digitalOceanBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

const dropletImage = "docker-20-04"

func (d *DigitalOcean) Provision(ctx context.Context, opts ProvisionOpts) (Instance, error) {
	keyIDs := make([]int, 0, len(opts.SSHKeys))
	for _, key := range opts.SSHKeys {
		id, err := d.sshKeyID(ctx, key)
		if err != nil {
			return Instance{}, err
		}
		keyIDs = append(keyIDs, id)
	}

	name := opts.Name
	if name == "" {
		name = "dispenser-" + uuid.NewString()[:8]
	}

	body, err := json.Marshal(doCreateParams{
		Name:     name,
		Region:   d.region,
		Size:     d.plan,
		Image:    dropletImage,
		Tags:     []string{OwnershipTag},
		SSHKeys:  keyIDs,
		UserData: opts.UserData,
		IPv6:     true,
	})
	if err != nil {
		return Instance{}, apiErr("digitalocean", "create droplet", err)
	}

	status, data, err := d.do(ctx, "POST", "/droplets", bytes.NewReader(body))
	if err != nil {
		return Instance{}, apiErr("digitalocean", "create droplet", err)
	}
	if status != http.StatusAccepted && status != http.StatusCreated {
		return Instance{}, apiErr("digitalocean", "create droplet", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		Droplet doDroplet `json:"droplet"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Instance{}, apiErr("digitalocean", "create droplet", err)
	}
	return resp.Droplet.instance(), nil
}

func (d *DigitalOcean) List(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	page := "/droplets?per_page=200"
	for page != "" {
		status, data, err := d.do(ctx, "GET", page, nil)
		if err != nil {
			return nil, apiErr("digitalocean", "list droplets", err)
		}
		if status != http.StatusOK {
			return nil, apiErr("digitalocean", "list droplets", fmt.Errorf("unexpected response %d: %s", status, data))
		}

		var resp struct {
			Droplets []doDroplet `json:"droplets"`
			Links    struct {
				Pages struct {
					Next string `json:"next"`
				} `json:"pages"`
			} `json:"links"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, apiErr("digitalocean", "list droplets", err)
		}
		for _, droplet := range resp.Droplets {
			instances = append(instances, droplet.instance())
		}
		// the API returns an absolute URL for the next page
		page = strings.TrimPrefix(resp.Links.Pages.Next, d.baseURL)
	}
	return instances, nil
}

func (d *DigitalOcean) Describe(ctx context.Context, id string) (Instance, error) {
	status, data, err := d.do(ctx, "GET", "/droplets/"+id, nil)
	if err != nil {
		return Instance{}, apiErr("digitalocean", "get droplet", err)
	}
	if status == http.StatusNotFound {
		return Instance{}, ErrNotFound
	}
	if status != http.StatusOK {
		return Instance{}, apiErr("digitalocean", "get droplet", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		Droplet doDroplet `json:"droplet"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Instance{}, apiErr("digitalocean", "get droplet", err)
	}
	return resp.Droplet.instance(), nil
}

func (d *DigitalOcean) Terminate(ctx context.Context, id string) error {
	status, data, err := d.do(ctx, "DELETE", "/droplets/"+id, nil)
	if err != nil {
		return apiErr("digitalocean", "delete droplet", err)
	}
	// 404 means the droplet is already gone, which is what we wanted
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return apiErr("digitalocean", "delete droplet", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	return nil
}

// Tag retroactively attaches the ownership tag to an adopted droplet.
func (d *DigitalOcean) Tag(ctx context.Context, id string) error {
	// creating an existing tag is not an error on the DO side
	body, _ := json.Marshal(map[string]string{"name": OwnershipTag})
	if _, _, err := d.do(ctx, "POST", "/tags", bytes.NewReader(body)); err != nil {
		return apiErr("digitalocean", "create tag", err)
	}

	body, _ = json.Marshal(map[string]any{
		"resources": []map[string]string{{"resource_id": id, "resource_type": "droplet"}},
	})
	status, data, err := d.do(ctx, "POST", "/tags/"+OwnershipTag+"/resources", bytes.NewReader(body))
	if err != nil {
		return apiErr("digitalocean", "tag droplet", err)
	}
	if status != http.StatusNoContent {
		return apiErr("digitalocean", "tag droplet", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	return nil
}

// sshKeyID resolves a configured public key to its account key id, uploading
// the key when the account does not have it yet.
func (d *DigitalOcean) sshKeyID(ctx context.Context, publicKey string) (int, error) {
	status, data, err := d.do(ctx, "GET", "/account/keys?per_page=200", nil)
	if err != nil {
		return 0, apiErr("digitalocean", "list ssh keys", err)
	}
	if status != http.StatusOK {
		return 0, apiErr("digitalocean", "list ssh keys", fmt.Errorf("unexpected response %d: %s", status, data))
	}

	var resp struct {
		SSHKeys []struct {
			ID        int    `json:"id"`
			PublicKey string `json:"public_key"`
		} `json:"ssh_keys"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, apiErr("digitalocean", "list ssh keys", err)
	}
	for _, key := range resp.SSHKeys {
		if key.PublicKey == publicKey {
			return key.ID, nil
		}
	}

	body, _ := json.Marshal(map[string]string{
		"name":       "Dispenser Key",
		"public_key": publicKey,
	})
	status, data, err = d.do(ctx, "POST", "/account/keys", bytes.NewReader(body))
	if err != nil {
		return 0, apiErr("digitalocean", "create ssh key", err)
	}
	if status != http.StatusCreated {
		return 0, apiErr("digitalocean", "create ssh key", fmt.Errorf("unexpected response %d: %s", status, data))
	}
	var created struct {
		SSHKey struct {
			ID int `json:"id"`
		} `json:"ssh_key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return 0, apiErr("digitalocean", "create ssh key", err)
	}
	return created.SSHKey.ID, nil
}

// do performs one API request with the bearer token. Reads are retried a few
// times on transport errors; writes are not, since a timed-out create may
// still have gone through on the provider side.
func (d *DigitalOcean) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
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

		req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+d.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
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

type doCreateParams struct {
	Name     string   `json:"name"`
	Region   string   `json:"region"`
	Size     string   `json:"size"`
	Image    string   `json:"image"`
	Tags     []string `json:"tags"`
	SSHKeys  []int    `json:"ssh_keys"`
	UserData string   `json:"user_data,omitempty"`
	IPv6     bool     `json:"ipv6"`
}

type doDroplet struct {
	ID        int       `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
	Networks  struct {
		V4 []doNetwork `json:"v4"`
	} `json:"networks"`
}

type doNetwork struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

func (d doDroplet) instance() Instance {
	inst := Instance{
		ID:        fmt.Sprintf("%d", d.ID),
		CreatedAt: d.CreatedAt,
		Tags:      d.Tags,
	}
	switch d.Status {
	case "active":
		inst.Status = StatusRunning
	case "new":
		inst.Status = StatusProvisioning
	default:
		inst.Status = StatusStopped
	}
	for _, net := range d.Networks.V4 {
		if net.Type == "public" {
			inst.PublicIP = net.IPAddress
			break
		}
	}
	return inst
}

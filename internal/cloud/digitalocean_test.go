package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testDigitalOcean(handler http.Handler) (*DigitalOcean, *httptest.Server) {
	server := httptest.NewServer(handler)
	d := NewDigitalOcean("token", "ams3", "s-2vcpu-2gb")
	d.baseURL = server.URL
	return d, server
}

func TestDigitalOcean_List(t *testing.T) {
	d, server := testDigitalOcean(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/droplets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"droplets": [
			{"id": 101, "status": "active", "tags": ["dispenser"],
			 "networks": {"v4": [
				{"ip_address": "10.0.0.5", "type": "private"},
				{"ip_address": "203.0.113.7", "type": "public"}
			 ]}},
			{"id": 102, "status": "new", "tags": [], "networks": {"v4": []}}
		]}`))
	}))
	defer server.Close()

	instances, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}

	first := instances[0]
	if first.ID != "101" || first.PublicIP != "203.0.113.7" || first.Status != StatusRunning {
		t.Fatalf("unexpected first instance: %+v", first)
	}
	if !first.Owned() {
		t.Error("tagged droplet should be owned")
	}
	if instances[1].Status != StatusProvisioning || instances[1].PublicIP != "" {
		t.Fatalf("unexpected second instance: %+v", instances[1])
	}
}

func TestDigitalOcean_ListPaginates(t *testing.T) {
	var d *DigitalOcean
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/droplets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"droplets": [{"id": 2, "status": "active", "networks": {"v4": []}}]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"droplets": []map[string]any{{"id": 1, "status": "active"}},
			"links": map[string]any{
				"pages": map[string]string{"next": server.URL + "/droplets?page=2&per_page=200"},
			},
		})
	})
	d, server = testDigitalOcean(mux)
	defer server.Close()

	instances, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected instances from both pages, got %d", len(instances))
	}
}

func TestDigitalOcean_Provision(t *testing.T) {
	var created doCreateParams
	mux := http.NewServeMux()
	mux.HandleFunc("/account/keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			w.Write([]byte(`{"ssh_keys": [{"id": 7, "public_key": "ssh-ed25519 AAAA known"}]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ssh_key": {"id": 8}}`))
	})
	mux.HandleFunc("/droplets", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Errorf("decode create params: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"droplet": {"id": 500, "status": "new", "tags": ["dispenser"], "networks": {"v4": []}}}`))
	})
	d, server := testDigitalOcean(mux)
	defer server.Close()

	inst, err := d.Provision(context.Background(), ProvisionOpts{
		SSHKeys:  []string{"ssh-ed25519 AAAA known", "ssh-ed25519 BBBB new"},
		UserData: "#!/bin/bash\necho hi",
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if inst.ID != "500" || inst.Status != StatusProvisioning {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	if created.Image != "docker-20-04" || created.Region != "ams3" || created.Size != "s-2vcpu-2gb" {
		t.Fatalf("unexpected create params: %+v", created)
	}
	if len(created.Tags) != 1 || created.Tags[0] != OwnershipTag {
		t.Fatalf("droplet must be created with the ownership tag, got %v", created.Tags)
	}
	// the known key resolves to its id, the unknown one gets uploaded
	if len(created.SSHKeys) != 2 || created.SSHKeys[0] != 7 || created.SSHKeys[1] != 8 {
		t.Fatalf("unexpected ssh key ids: %v", created.SSHKeys)
	}
	if created.UserData == "" {
		t.Error("user data not forwarded")
	}
	if created.Name == "" {
		t.Error("expected a generated droplet name")
	}
}

func TestDigitalOcean_DescribeNotFound(t *testing.T) {
	d, server := testDigitalOcean(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := d.Describe(context.Background(), "999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDigitalOcean_TerminateGoneIsSuccess(t *testing.T) {
	d, server := testDigitalOcean(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := d.Terminate(context.Background(), "500"); err != nil {
		t.Fatalf("Terminate() of an absent droplet must succeed, got %v", err)
	}
}

func TestDigitalOcean_Unauthorized(t *testing.T) {
	d, server := testDigitalOcean(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := d.List(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDigitalOcean_Tag(t *testing.T) {
	var tagCreated, resourceTagged bool
	mux := http.NewServeMux()
	mux.HandleFunc("/tags", func(w http.ResponseWriter, r *http.Request) {
		tagCreated = true
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/tags/"+OwnershipTag+"/resources", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Resources []map[string]string `json:"resources"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Resources) == 1 && body.Resources[0]["resource_id"] == "500" {
			resourceTagged = true
		}
		w.WriteHeader(http.StatusNoContent)
	})
	d, server := testDigitalOcean(mux)
	defer server.Close()

	if err := d.Tag(context.Background(), "500"); err != nil {
		t.Fatalf("Tag() error: %v", err)
	}
	if !tagCreated || !resourceTagged {
		t.Fatalf("tag flow incomplete: created=%v tagged=%v", tagCreated, resourceTagged)
	}
}

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/store/users"
)

func TestCreateUserStore_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.db")
	cfg := &UsersConfig{
		Type:         "file",
		File:         map[string]any{"path": path},
		SeedDefaults: true,
	}

	store, err := CreateUserStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create file user store: %v", err)
	}
	defer func() { _ = store.Close() }()

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != len(users.DefaultUsers()) {
		t.Errorf("Expected %d seeded users, got %d", len(users.DefaultUsers()), len(list))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected the user file to be written: %v", err)
	}
	if !strings.Contains(string(data), "admin admin 0 0") {
		t.Errorf("Expected admin record in file, got:\n%s", data)
	}
}

func TestCreateUserStore_FileMissingPath(t *testing.T) {
	_, err := CreateUserStore(context.Background(), &UsersConfig{Type: "file", File: map[string]any{}})
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("Expected 'required' error, got: %v", err)
	}
}

func TestCreateUserStore_BadgerInMemory(t *testing.T) {
	ctx := context.Background()
	cfg := &UsersConfig{
		Type:   "badger",
		Badger: map[string]any{"in_memory": true},
	}

	store, err := CreateUserStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create badger user store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Create(ctx, users.User{Name: "seba", Password: "1234"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Get(ctx, "seba"); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}

func TestCreateUserStore_BadgerOnDisk(t *testing.T) {
	ctx := context.Background()
	cfg := &UsersConfig{
		Type:         "badger",
		Badger:       map[string]any{"db_path": filepath.Join(t.TempDir(), "users")},
		SeedDefaults: true,
	}

	store, err := CreateUserStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create badger user store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Get(ctx, "alumno"); err != nil {
		t.Errorf("Expected seeded record, got: %v", err)
	}
}

func TestCreateUserStore_Memory(t *testing.T) {
	store, err := CreateUserStore(context.Background(), &UsersConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory user store: %v", err)
	}
	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty store without seeding, got %d records", len(list))
	}
}

func TestCreateUserStore_UnknownType(t *testing.T) {
	_, err := CreateUserStore(context.Background(), &UsersConfig{Type: "ldap"})
	if err == nil {
		t.Fatal("Expected error for unknown store type")
	}
	if !strings.Contains(err.Error(), "unknown user store type") {
		t.Errorf("Expected 'unknown user store type' error, got: %v", err)
	}
}

func TestCreateCatalog_Filesystem(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.img"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}

	cat, err := CreateCatalog(ctx, &CatalogConfig{
		Type:       "filesystem",
		Digest:     "md5",
		Filesystem: map[string]any{"path": root},
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}

	entries, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.img" {
		t.Fatalf("Unexpected entries: %+v", entries)
	}
	if entries[0].Digest != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("Unexpected digest %s", entries[0].Digest)
	}
}

func TestCreateCatalog_FilesystemErrors(t *testing.T) {
	ctx := context.Background()

	_, err := CreateCatalog(ctx, &CatalogConfig{Type: "filesystem", Digest: "md5", Filesystem: map[string]any{}}, nil)
	if err == nil || !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}

	_, err = CreateCatalog(ctx, &CatalogConfig{
		Type:       "filesystem",
		Digest:     "md5",
		Filesystem: map[string]any{"path": filepath.Join(t.TempDir(), "missing")},
	}, nil)
	if err == nil {
		t.Error("Expected error for a missing image directory")
	}
}

func TestCreateCatalog_S3RequiresBucketAndRegion(t *testing.T) {
	ctx := context.Background()

	_, err := CreateCatalog(ctx, &CatalogConfig{Type: "s3", Digest: "md5", S3: map[string]any{"region": "us-east-1"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}

	_, err = CreateCatalog(ctx, &CatalogConfig{Type: "s3", Digest: "md5", S3: map[string]any{"bucket": "images"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "region is required") {
		t.Errorf("Expected 'region is required' error, got: %v", err)
	}
}

func TestCreateCatalog_S3Client(t *testing.T) {
	client, err := newS3Client(context.Background(), s3CatalogConfig{
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	if err != nil {
		t.Fatalf("Failed to build S3 client: %v", err)
	}
	opts := client.Options()
	if !opts.UsePathStyle {
		t.Error("Expected path-style addressing for a custom endpoint")
	}
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://127.0.0.1:9000" {
		t.Errorf("Unexpected endpoint %v", opts.BaseEndpoint)
	}
}

func TestCreateCatalog_UnknownType(t *testing.T) {
	_, err := CreateCatalog(context.Background(), &CatalogConfig{Type: "ftp", Digest: "md5"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown catalog type") {
		t.Errorf("Expected 'unknown catalog type' error, got: %v", err)
	}
}

func TestDialBus_MemoryRejected(t *testing.T) {
	_, err := DialBus(context.Background(), &BusConfig{Type: "memory"})
	if err == nil {
		t.Fatal("Expected error dialing a memory bus")
	}
}

func TestCreateBroker_DialBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &BusConfig{Type: "socket", Network: "tcp", Address: "127.0.0.1:0", MaxMessageSize: 1024}
	local := CreateLocalBus(cfg)
	defer func() { _ = local.Close() }()

	broker := CreateBroker(cfg, local)
	errCh := make(chan error, 1)
	go func() { errCh <- broker.Serve(ctx) }()
	defer func() {
		_ = broker.Stop(context.Background())
		<-errCh
	}()

	addr := waitBrokerAddr(t, broker)
	remote, err := DialBus(ctx, &BusConfig{Type: "socket", Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("DialBus failed: %v", err)
	}
	defer func() { _ = remote.Close() }()

	if err := remote.Send(ctx, bus.TagAuth, "AUTH LS"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := local.Receive(ctx, bus.TagAuth)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got != "AUTH LS" {
		t.Errorf("Expected 'AUTH LS', got %q", got)
	}
}

func waitBrokerAddr(t *testing.T, broker *bus.Broker) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := broker.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("broker did not start listening")
	return ""
}

func TestCreateClient(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.Server = "127.0.0.1:4000"

	var out bytes.Buffer
	c, err := CreateClient(cfg, &out, &out)
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	if c == nil {
		t.Fatal("Expected non-nil client")
	}
}

func TestCreateServices(t *testing.T) {
	cfg := GetDefaultConfig()
	b := CreateLocalBus(&cfg.Bus)
	defer func() { _ = b.Close() }()

	store, err := CreateUserStore(context.Background(), &UsersConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("CreateUserStore failed: %v", err)
	}

	authSvc, err := CreateAuthService(cfg, b, store)
	if err != nil {
		t.Fatalf("CreateAuthService failed: %v", err)
	}
	if authSvc.Protocol() != AuthServiceName {
		t.Errorf("Unexpected auth service name %q", authSvc.Protocol())
	}

	cfg.Auth.Escalation.Policy = "bogus"
	if _, err := CreateAuthService(cfg, b, store); err == nil {
		t.Error("Expected error for an unknown escalation policy")
	}

	cat, err := CreateCatalog(context.Background(), &CatalogConfig{
		Type:       "filesystem",
		Digest:     "md5",
		Filesystem: map[string]any{"path": t.TempDir()},
	}, nil)
	if err != nil {
		t.Fatalf("CreateCatalog failed: %v", err)
	}
	fileSvc, err := CreateFileService(cfg, b, cat, nil)
	if err != nil {
		t.Fatalf("CreateFileService failed: %v", err)
	}
	if fileSvc.Protocol() != FileServiceName {
		t.Errorf("Unexpected file service name %q", fileSvc.Protocol())
	}

	r := CreateRouter(cfg, b, nil, true)
	if r.Port() != cfg.Router.Port {
		t.Errorf("Expected router port %d, got %d", cfg.Router.Port, r.Port())
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig())

	if result.Server != nil {
		t.Error("Expected no metrics server when disabled")
	}
	if result.Router == nil || result.Transfer == nil {
		t.Error("Expected no-op collectors when disabled")
	}
	if result.S3 != nil {
		t.Error("Expected nil S3 collector when disabled")
	}
}

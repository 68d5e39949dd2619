package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, "centerhelper.json", `{"relay": {"allowedOrigins": ["https://a.test"]}}`)

	got := make(chan []string, 4)
	w, err := Watch(path, 20*time.Millisecond, func(cfg *Config) {
		got <- cfg.Relay.AllowedOrigins
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// invalid content is ignored
	if err := os.WriteFile(path, []byte(`{"relay": {"allowedOrigins": []}}`), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"relay": {"allowedOrigins": ["https://b.test"]}}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case origins := <-got:
		if !reflect.DeepEqual(origins, []string{"https://b.test"}) {
			t.Errorf("origins = %v", origins)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}

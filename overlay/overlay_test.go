package overlay

import (
	"strings"
	"testing"
)

func TestRenderPage(t *testing.T) {
	var sb strings.Builder
	err := Render(&sb, PageData{
		TenantID:    "streamer1",
		DisplayName: "Streamer One",
		EventsPath:  "/overlay/streamer1/events",
		Counters: []CounterView{
			{Name: "deaths", Value: 12},
			{Name: "bits", Value: 4500},
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		`data-tenant="streamer1"`,
		`data-name="deaths"`,
		`<span class="value">12</span>`,
		`data-name="bits"`,
		`"/overlay/streamer1/events"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered page missing %q", want)
		}
	}
}

func TestRenderEscapesDisplayName(t *testing.T) {
	var sb strings.Builder
	err := Render(&sb, PageData{
		TenantID:    "t1",
		DisplayName: `<script>alert("x")</script>`,
		EventsPath:  "/overlay/t1/events",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(sb.String(), `<script>alert`) {
		t.Fatal("display name was not escaped")
	}
}

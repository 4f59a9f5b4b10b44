package run

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/droverhq/drover/internal/worker"
)

func TestDemandsMergeFrom(t *testing.T) {
	t.Run("earlier source wins scalars", func(t *testing.T) {
		d := Demands{Hostname: "pinned", Tags: []string{"a"}}
		d.MergeFrom(Demands{Hostname: "ignored", ProjectDir: "/proj", Tags: []string{"b", "a"}})

		assert.Equal(t, "pinned", d.Hostname)
		assert.Equal(t, "/proj", d.ProjectDir)
		assert.ElementsMatch(t, []string{"a", "b"}, d.Tags)
	})

	t.Run("empty merge is a no-op", func(t *testing.T) {
		d := Demands{ExecutorProfile: "fast"}
		d.MergeFrom(Demands{})
		assert.Equal(t, Demands{ExecutorProfile: "fast"}, d)
	})
}

func TestDemandsMatchedBy(t *testing.T) {
	base := func() *worker.Info {
		return &worker.Info{
			ID:              "w-1",
			Hostname:        "h1",
			ProjectDir:      "/proj",
			ExecutorProfile: "p1",
			Executor:        "autonomous",
			Tags:            []string{"gpu", "linux"},
		}
	}

	tests := []struct {
		name    string
		demands Demands
		mutate  func(*worker.Info)
		want    bool
	}{
		{name: "empty demands match anyone", demands: Demands{}, want: true},
		{name: "owner pin matches owner", demands: Demands{OwnerWorkerID: "w-1"}, want: true},
		{
			name:    "owner pin rejects others",
			demands: Demands{OwnerWorkerID: "w-2"},
			want:    false,
		},
		{name: "exact hostname", demands: Demands{Hostname: "h1"}, want: true},
		{name: "wrong hostname", demands: Demands{Hostname: "h2"}, want: false},
		{name: "executor type against worker executor", demands: Demands{ExecutorType: "autonomous"}, want: true},
		{name: "wrong executor type", demands: Demands{ExecutorType: "procedural"}, want: false},
		{name: "tag subset", demands: Demands{Tags: []string{"gpu"}}, want: true},
		{name: "missing tag", demands: Demands{Tags: []string{"gpu", "macos"}}, want: false},
		{
			name:    "worker requiring tag overlap rejects untagged run",
			demands: Demands{},
			mutate:  func(w *worker.Info) { w.RequireMatchingTags = true },
			want:    false,
		},
		{
			name:    "worker requiring tag overlap accepts shared tag",
			demands: Demands{Tags: []string{"linux"}},
			mutate:  func(w *worker.Info) { w.RequireMatchingTags = true },
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := base()
			if tt.mutate != nil {
				tt.mutate(w)
			}
			assert.Equal(t, tt.want, tt.demands.MatchedBy(w))
		})
	}
}

func TestUnionTags(t *testing.T) {
	d := Demands{Tags: []string{"a", "b"}}
	d.UnionTags([]string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, d.Tags)

	var empty Demands
	empty.UnionTags(nil)
	assert.Empty(t, empty.Tags)
}

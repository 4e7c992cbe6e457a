package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leeineian/earworm/preview"
	"github.com/spf13/cobra"
)

func TestCommandTree(t *testing.T) {
	root := NewRootCommand()
	var got []string
	var walk func(c *cobra.Command, prefix string)
	walk = func(c *cobra.Command, prefix string) {
		for _, sub := range c.Commands() {
			if sub.Name() == "help" || sub.Name() == "completion" {
				continue
			}
			got = append(got, prefix+sub.Name())
			walk(sub, prefix+sub.Name()+" ")
		}
	}
	walk(root, "")

	want := []string{
		"cache", "cache clear", "cache prune",
		"preload",
		"proxy", "proxy ban", "proxy list", "proxy refresh", "proxy test",
		"resolve",
		"serve",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("command tree mismatch (-want +got):\n%s", diff)
	}
}

func TestReadItemsFromStdin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(`[{"type":"artist","artistName":"Queen"},{"type":"song","artistName":"Queen","answer":"Innuendo"}]`))

	items, err := readItems(cmd, "-")
	if err != nil {
		t.Fatalf("readItems() error = %v", err)
	}
	want := []preview.Item{
		{Type: "artist", ArtistName: "Queen"},
		{Type: "song", ArtistName: "Queen", Answer: "Innuendo"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}

	cmd.SetIn(strings.NewReader(`{"not":"an array"}`))
	if _, err := readItems(cmd, "-"); err == nil {
		t.Fatal("readItems() accepted an object")
	}
}

func TestResolveRejectsBadKind(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--silent", "resolve", "--kind", "album", "Queen"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("Execute() error = %v, want unknown kind", err)
	}
}

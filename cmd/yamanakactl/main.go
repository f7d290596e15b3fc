// yamanakactl is the operator CLI for the vault sync server, built with
// Cobra.
//
// Usage:
//
//	yamanakactl check                          --server http://localhost:8080
//	yamanakactl pull --out ./vault-copy        --server http://localhost:8080
//	yamanakactl push notes/a.md                --server http://localhost:8080
//	yamanakactl push --delete notes/old.md
//	yamanakactl initial ./vault
//	yamanakactl watch
package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	deviceID   string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "yamanakactl",
		Short: "Operator CLI for the yamanaka vault sync server",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "sync server address")
	root.PersistentFlags().StringVarP(&deviceID, "device-id", "d",
		"yamanakactl", "device id to present to the server")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"HTTP request timeout")

	root.AddCommand(checkCmd(), pullCmd(), pushCmd(), initialCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func endpoint(path string) string {
	return strings.TrimRight(serverAddr, "/") + path + "?device_id=" + url.QueryEscape(deviceID)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func decodeStatus(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return err
	}
	fmt.Println(status.Status)
	return nil
}

// ─── check ────────────────────────────────────────────────────────────────────

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the server health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Get(endpoint("/api/check"))
			if err != nil {
				return err
			}
			return decodeStatus(resp)
		},
	}
}

// ─── pull ─────────────────────────────────────────────────────────────────────

func pullCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the full vault listing, optionally writing it to a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Get(endpoint("/api/sync/pull"))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			var body struct {
				Files []struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				} `json:"files"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			for _, f := range body.Files {
				if outDir == "" {
					fmt.Println(f.Path)
					continue
				}
				data, err := base64.StdEncoding.DecodeString(f.Content)
				if err != nil {
					return fmt.Errorf("decoding %s: %w", f.Path, err)
				}
				dest := filepath.Join(outDir, filepath.FromSlash(f.Path))
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(dest, data, 0o644); err != nil {
					return err
				}
			}
			if outDir != "" {
				fmt.Printf("wrote %d files to %s\n", len(body.Files), outDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write pulled files into")
	return cmd
}

// ─── push ─────────────────────────────────────────────────────────────────────

func pushCmd() *cobra.Command {
	var deletes []string
	cmd := &cobra.Command{
		Use:   "push [file]...",
		Short: "Push local files (and/or deletions) to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(deletes) == 0 {
				return fmt.Errorf("nothing to push: pass file paths and/or --delete")
			}
			type fileUpdate struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			req := struct {
				FilesToUpdate []fileUpdate `json:"files_to_update"`
				FilesToDelete []string     `json:"files_to_delete"`
			}{FilesToUpdate: []fileUpdate{}, FilesToDelete: deletes}
			if req.FilesToDelete == nil {
				req.FilesToDelete = []string{}
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				req.FilesToUpdate = append(req.FilesToUpdate, fileUpdate{
					Path:    filepath.ToSlash(path),
					Content: base64.StdEncoding.EncodeToString(data),
				})
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}
			resp, err := httpClient().Post(endpoint("/api/sync/push"), "application/json", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			return decodeStatus(resp)
		},
	}
	cmd.Flags().StringArrayVar(&deletes, "delete", nil, "vault path to delete (repeatable)")
	return cmd
}

// ─── initial ──────────────────────────────────────────────────────────────────

func initialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initial <dir>",
		Short: "Replace the entire server vault with the contents of a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf bytes.Buffer
			if err := tarGzDirectory(args[0], &buf); err != nil {
				return err
			}
			resp, err := httpClient().Post(endpoint("/api/sync/initial"), "application/gzip", &buf)
			if err != nil {
				return err
			}
			return decodeStatus(resp)
		},
	}
}

func tarGzDirectory(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{Name: name + "/", Mode: 0o755, Typeflag: tar.TypeDir})
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
			return err
		}
		_, writeErr := tw.Write(data)
		return writeErr
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// ─── watch ────────────────────────────────────────────────────────────────────

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to the event stream and print frames as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// No timeout: the stream stays open until interrupted.
			resp, err := http.Get(endpoint("/api/events"))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			scanner := bufio.NewScanner(resp.Body)
			var event string
			for scanner.Scan() {
				line := scanner.Text()
				switch {
				case strings.HasPrefix(line, "event: "):
					event = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					fmt.Printf("%s %s\n", event, strings.TrimPrefix(line, "data: "))
				case strings.HasPrefix(line, ":"):
					// heartbeat comment, keep quiet
				}
			}
			return scanner.Err()
		},
	}
}

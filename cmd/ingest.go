package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	ingestServer      string
	ingestParsingType string
	ingestPriority    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files or directories...]",
	Short: "Submit PDFs to a running server for asynchronous parsing",
	Long: `The ingest command walks the given files and directories and
submits every PDF to POST /parse/async, printing the returned job ids.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestServer, "server", "http://localhost:7800", "base URL of the parsing API")
	ingestCmd.Flags().StringVar(&ingestParsingType, "parsing-type", "auto", "parsing type for all files")
	ingestCmd.Flags().StringVar(&ingestPriority, "priority", "normal", "dispatch priority for all files")

	settingDefaultConfig()
}

func runIngest(cmd *cobra.Command, args []string) error {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.Walk(arg, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no pdf files found")
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	bar := progressbar.Default(int64(len(files)), "uploading")

	var failures int
	for _, path := range files {
		jobID, err := submitFile(client, path)
		bar.Add(1)
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s\t%s\n", jobID, path)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d uploads failed", failures, len(files))
	}
	return nil
}

func submitFile(client *http.Client, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	mw.Close()

	url := fmt.Sprintf("%s/parse/async?parsing_type=%s&priority=%s",
		strings.TrimRight(ingestServer, "/"), ingestParsingType, ingestPriority)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope struct {
		Data struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("unexpected response: %v", err)
	}
	return envelope.Data.JobID, nil
}

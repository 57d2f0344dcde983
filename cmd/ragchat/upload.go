package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/client"
)

func newUploadCommand() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload documents for ingestion and wait for the jobs to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			backend := backendClient(kv)
			resp, err := backend.UploadDocuments(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Println(resp.Message)
			for _, job := range resp.Jobs {
				fmt.Printf("  %s  %s\n", job.JobID, job.FileName)
			}
			if noWait {
				return nil
			}

			eg, ctx := errgroup.WithContext(cmd.Context())
			for _, job := range resp.Jobs {
				job := job
				eg.Go(func() error {
					final, err := backend.PollJob(ctx, job.JobID, func(s client.JobStatus) {
						fmt.Printf("[%s] %s: %s%% %s\n", s.FileName, s.Status, s.Progress, s.CurrentStep)
					})
					if err != nil {
						return err
					}
					switch final.Status {
					case client.JobSuccess:
						if path := pdfLocation(job); path != "" {
							fmt.Printf("[%s] done, available at %s\n", job.FileName, backend.PDFURL(path))
						} else {
							fmt.Printf("[%s] done\n", job.FileName)
						}
					case client.JobDuplicate:
						fmt.Printf("[%s] already ingested\n", job.FileName)
					case client.JobFailed:
						fmt.Printf("[%s] failed: %s\n", job.FileName, final.CurrentStep)
					}
					return nil
				})
			}
			return eg.Wait()
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Queue the jobs without polling for completion")
	return cmd
}

// pdfLocation returns the retrieval path the server stores an ingested
// PDF under, or "" when the job response carries no usable digest.
func pdfLocation(job client.JobInfo) string {
	if len(job.SHA256) < 8 || !strings.HasSuffix(strings.ToLower(job.FileName), ".pdf") {
		return ""
	}
	return job.SHA256[:8] + "/" + job.FileName
}

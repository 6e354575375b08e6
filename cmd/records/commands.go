package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// scopeFromArgs reads <ensemble-id> <name> and the --realization flag.
// Without --realization the scope is ensemble-wide.
func scopeFromArgs(cmd *cobra.Command, args []string) (simplerecords.RecordScope, error) {
	ensembleID, err := uuid.Parse(args[0])
	if err != nil {
		return simplerecords.RecordScope{}, fmt.Errorf("invalid ensemble ID %q: %w", args[0], err)
	}
	scope := simplerecords.RecordScope{EnsembleID: ensembleID, Name: args[1]}
	if cmd.Flags().Changed("realization") {
		idx, _ := cmd.Flags().GetInt("realization")
		scope.RealizationIndex = &idx
	}
	return scope, nil
}

func addRealizationFlag(cmd *cobra.Command) {
	cmd.Flags().IntP("realization", "r", 0, "Realization index (default: ensemble-wide)")
}

// NewUploadCommand creates the upload command
func NewUploadCommand() *cobra.Command {
	var blockSize int64
	var parallelism int
	var mimeType string

	cmd := &cobra.Command{
		Use:   "upload <ensemble-id> <name> <file>",
		Short: "Upload a file record in parallel blocks",
		Long: `Upload a file as a record through the staged protocol: a placeholder is
created, blocks are sent in parallel, and the upload is committed once all
blocks have arrived.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromArgs(cmd, args)
			if err != nil {
				return err
			}
			path := args[2]
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(path))
			}

			client := clientFromFlags(cmd)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "Uploading %s to %s [%s]\n",
					path, scope.Name, simplerecords.FormatRealization(scope.RealizationIndex))
			}

			rec, err := client.UploadFile(cmd.Context(), scope, path, mimeType, blockSize, parallelism)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Record ID: %s\n", rec.ID)
			if rec.File != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Size: %d bytes\n", rec.File.Size)
			}
			return nil
		},
	}

	addRealizationFlag(cmd)
	cmd.Flags().Int64Var(&blockSize, "block-size", 8<<20, "Block size in bytes")
	cmd.Flags().IntVarP(&parallelism, "parallel", "p", 4, "Number of blocks sent at once")
	cmd.Flags().StringVar(&mimeType, "mimetype", "", "Media type of the file (default: from extension)")

	return cmd
}

// NewGetCommand creates the get command
func NewGetCommand() *cobra.Command {
	var outputPath string
	var strict bool
	var npy bool

	cmd := &cobra.Command{
		Use:   "get <ensemble-id> <name>",
		Short: "Download a record's content",
		Long: `Download the content of a record. A realization without its own record
gets the ensemble-wide one unless --strict is set.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromArgs(cmd, args)
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			accept := matrix.MediaTypeJSON
			if npy {
				accept = matrix.MediaTypeNumpy
			}
			contentType, err := clientFromFlags(cmd).GetRecord(cmd.Context(), scope, strict, accept, out)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}

			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "Content-Type: %s\n", contentType)
			}
			return nil
		},
	}

	addRealizationFlag(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Do not fall back to the ensemble-wide record")
	cmd.Flags().BoolVar(&npy, "npy", false, "Fetch matrices as .npy instead of JSON")

	return cmd
}

// NewMatrixCommand creates the matrix command
func NewMatrixCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix <ensemble-id> <name> <file>",
		Short: "Store a matrix record from a .json or .npy file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromArgs(cmd, args)
			if err != nil {
				return err
			}
			path := args[2]

			contentType := matrix.MediaTypeJSON
			if strings.EqualFold(filepath.Ext(path), ".npy") {
				contentType = matrix.MediaTypeNumpy
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			rec, err := clientFromFlags(cmd).PostMatrix(cmd.Context(), scope, contentType, f)
			if err != nil {
				return fmt.Errorf("matrix upload failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Record ID: %s\n", rec.ID)
			if rec.Data != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Shape: %v\n", rec.Data.Shape)
			}
			return nil
		},
	}

	addRealizationFlag(cmd)
	return cmd
}

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	s3storage "github.com/tendant/simple-records/pkg/simplerecords/storage/s3"
	"github.com/zeebo/blake3"
)

func main() {
	region := flag.String("region", "us-east-1", "AWS region")
	bucket := flag.String("bucket", "", "S3 bucket name")
	accessKey := flag.String("access-key", "", "AWS access key ID")
	secretKey := flag.String("secret-key", "", "AWS secret access key")
	endpoint := flag.String("endpoint", "", "Custom S3 endpoint (for MinIO, etc.)")
	usePathStyle := flag.Bool("use-path-style", false, "Use path-style addressing")
	createBucket := flag.Bool("create-bucket", false, "Create bucket if it doesn't exist")

	command := flag.String("command", "help", "Command to execute: put, staged, get, delete, help")
	objectKey := flag.String("key", "", "Object key for operations")
	filePath := flag.String("file", "", "File path for put/staged/get")
	blockSize := flag.Int("block-size", 5<<20, "Block size for the staged command")

	// MinIO shortcut
	useMinio := flag.Bool("use-minio", false, "Use MinIO defaults (sets endpoint, path-style, etc.)")
	minioEndpoint := flag.String("minio-endpoint", "http://localhost:9000", "MinIO server endpoint")

	flag.Parse()

	if *useMinio {
		*endpoint = *minioEndpoint
		*usePathStyle = true
		*createBucket = true
		if *accessKey == "" {
			*accessKey = "minioadmin"
		}
		if *secretKey == "" {
			*secretKey = "minioadmin"
		}
	}

	cmd := strings.ToLower(*command)
	if cmd == "help" || cmd == "" {
		printHelp()
		return
	}
	if *bucket == "" {
		log.Fatal("Bucket name is required")
	}
	if *objectKey == "" {
		log.Fatal("Object key is required")
	}

	if *accessKey == "" {
		*accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if *secretKey == "" {
		*secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	config := s3storage.Config{
		Region:                 *region,
		Bucket:                 *bucket,
		AccessKeyID:            *accessKey,
		SecretAccessKey:        *secretKey,
		Endpoint:               *endpoint,
		UsePathStyle:           *usePathStyle,
		CreateBucketIfNotExist: *createBucket,
	}

	fmt.Println("Initializing S3 backend with the following configuration:")
	fmt.Printf("  Region: %s\n", config.Region)
	fmt.Printf("  Bucket: %s\n", config.Bucket)
	fmt.Printf("  Endpoint: %s\n", config.Endpoint)
	fmt.Printf("  Use Path Style: %v\n", config.UsePathStyle)
	fmt.Printf("  Create Bucket If Not Exist: %v\n", config.CreateBucketIfNotExist)
	fmt.Println()

	backend, err := s3storage.New(config)
	if err != nil {
		log.Fatalf("Failed to initialize S3 backend: %v", err)
	}
	ctx := context.Background()

	switch cmd {
	case "put":
		file := openFile(*filePath)
		defer file.Close()

		fmt.Printf("Uploading %s to %s...\n", *filePath, *objectKey)
		startTime := time.Now()
		n, err := backend.Put(ctx, *objectKey, file)
		if err != nil {
			log.Fatalf("Upload failed: %v", err)
		}
		fmt.Printf("Upload successful: %d bytes (took %v)\n", n, time.Since(startTime))

	case "staged":
		// Stages the file block by block, commits, then reads the object back
		// and compares digests.
		data, err := os.ReadFile(*filePath)
		if err != nil {
			log.Fatalf("Failed to read file: %v", err)
		}
		if *blockSize <= 0 {
			log.Fatal("Block size must be positive")
		}

		startTime := time.Now()
		var blockIDs []string
		for i := 0; i == 0 || i*(*blockSize) < len(data); i++ {
			end := min((i+1)*(*blockSize), len(data))
			id, err := backend.Stage(ctx, *objectKey, i, bytes.NewReader(data[i*(*blockSize):end]))
			if err != nil {
				log.Fatalf("Staging block %d failed: %v", i, err)
			}
			blockIDs = append(blockIDs, id)
			fmt.Printf("  staged block %d (%s)\n", i, id)
		}
		n, err := backend.Commit(ctx, *objectKey, blockIDs)
		if err != nil {
			log.Fatalf("Commit failed: %v", err)
		}
		fmt.Printf("Committed %d blocks, %d bytes (took %v)\n", len(blockIDs), n, time.Since(startTime))
		if err := backend.Discard(ctx, *objectKey, blockIDs); err != nil {
			log.Printf("Failed to discard staged blocks: %v", err)
		}

		if err := verify(ctx, backend, *objectKey, data); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		fmt.Println("Read-back digest matches")

	case "get":
		if *filePath == "" {
			log.Fatal("File path is required for get")
		}
		fmt.Printf("Downloading %s to %s...\n", *objectKey, *filePath)
		startTime := time.Now()
		reader, err := backend.Get(ctx, *objectKey)
		if err != nil {
			log.Fatalf("Download failed: %v", err)
		}
		defer reader.Close()

		file, err := os.Create(*filePath)
		if err != nil {
			log.Fatalf("Failed to create file: %v", err)
		}
		defer file.Close()

		n, err := io.Copy(file, reader)
		if err != nil {
			log.Fatalf("Failed to write file: %v", err)
		}
		fmt.Printf("Download successful: %d bytes (took %v)\n", n, time.Since(startTime))

	case "delete":
		fmt.Printf("Deleting %s...\n", *objectKey)
		startTime := time.Now()
		if err := backend.Delete(ctx, *objectKey); err != nil {
			log.Fatalf("Delete failed: %v", err)
		}
		fmt.Printf("Delete successful (took %v)\n", time.Since(startTime))

	default:
		fmt.Printf("Unknown command: %s\n", *command)
		printHelp()
		os.Exit(1)
	}
}

type getter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

func verify(ctx context.Context, backend getter, key string, want []byte) error {
	reader, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	defer reader.Close()

	h := blake3.New()
	n, err := io.Copy(h, reader)
	if err != nil {
		return err
	}
	if n != int64(len(want)) {
		return fmt.Errorf("read %d bytes, uploaded %d", n, len(want))
	}
	expected := blake3.Sum256(want)
	if !bytes.Equal(h.Sum(nil), expected[:]) {
		return errors.New("content digest differs")
	}
	return nil
}

func openFile(path string) *os.File {
	if path == "" {
		log.Fatal("File path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open file: %v", err)
	}
	return file
}

func printHelp() {
	fmt.Println("S3 Backend Test Tool")
	fmt.Println("Usage:")
	fmt.Println("  s3test -bucket=BUCKET -command=COMMAND -key=KEY [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  put     Upload a file in one request")
	fmt.Println("  staged  Upload a file as staged blocks, commit and verify the result")
	fmt.Println("  get     Download an object to a file")
	fmt.Println("  delete  Delete an object")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  s3test -use-minio -bucket=records -command=staged -key=ens/surface@0 -file=./surface.bin -block-size=1048576")
	fmt.Println("  s3test -bucket=records -command=get -key=ens/surface@0 -file=./out.bin")
}

package apps3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	transport "github.com/aws/smithy-go/endpoints"
)

// BucketName is the bucket holding cache archives.
//
// It is a variable instead of a constant because aws-sdk-go-v2 often
// requires a pointer to a string which is easier to acquire with a variable.
var BucketName = "mortar-caches"

const defaultRegion = "us-east-1"

// endpointResolver implements s3.EndpointResolverV2.
// It resolves path-style endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	u.Path += "/" + *params.Bucket
	return transport.Endpoint{URI: u}, nil
}

// NewClient creates a new Client using the provided connection string.
// The connection string must be a valid URL in the format:
// http://key:secret@s3:9000?region=us-east-1. The region is optional.
// For MinIO, the key and secret are the username and password respectively.
// It panics if the connection string is not a valid URL.
//
// Presigned URLs made with the client point at the same host, so workers
// must be able to reach it.
func NewClient(connectionString string) *s3.Client {
	u, err := url.Parse(connectionString)
	if err != nil {
		panic(err)
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	region := u.Query().Get("region")
	if region == "" {
		region = defaultRegion
	}
	u.RawQuery = ""

	client := s3.New(
		s3.Options{
			Region:             region,
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
	return client
}

// Setup creates the bucket unless it exists and waits until it is usable.
func Setup(ctx context.Context, client *s3.Client) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &BucketName,
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: &BucketName},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	return nil
}

// Package s3 stores population snapshots in Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("populations/run-1/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	eng, err := mutrun.New(mutrun.WithStore(store))
//
// Use NewWithDynamoDB when several simulations may save into the same prefix:
// the CURRENT pointer is then committed with a conditional DynamoDB write.
//
// # Features
//
//   - Range reads
//   - Multipart streaming uploads via the SDK upload manager
//   - CRC32C checksums on uploads
//   - Automatic pagination for listing
package s3

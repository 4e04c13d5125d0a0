// Package minio stores population snapshots in MinIO or any S3-compatible
// object store (Ceph, SeaweedFS, Garage) through the MinIO client.
//
// # Basic Usage
//
//	store, err := minio.New(minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	}, "my-bucket", "populations/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := mutrun.New(mutrun.WithStore(store))
//
// Unlike s3.DDBCommitStore the CURRENT pointer is a plain object, so
// concurrent writers to one prefix race on it.
package minio

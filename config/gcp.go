package config

import (
	"sync"
)

var (
	gcsOnce         sync.Once
	gcsConfig       *GCSConfig
	firestoreOnce   sync.Once
	firestoreConfig *FirestoreConfig
)

type GCSConfig struct {
	BucketName string
}

type FirestoreConfig struct {
	ProjectID  string
	Collection string
}

func GetGCSConfig() *GCSConfig {
	gcsOnce.Do(func() {
		loadEnv()

		gcsConfig = &GCSConfig{
			BucketName: getEnv("GCS_BUCKET_NAME", "payslip-pages"),
		}
	})
	return gcsConfig
}

func GetFirestoreConfig() *FirestoreConfig {
	firestoreOnce.Do(func() {
		loadEnv()

		firestoreConfig = &FirestoreConfig{
			ProjectID:  getEnv("FIRESTORE_PROJECT_ID", getEnv("PROJECT_ID", "")),
			Collection: getEnv("FIRESTORE_COLLECTION", "upload_sessions"),
		}
	})
	return firestoreConfig
}

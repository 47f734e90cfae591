package models

// Destination is the MinIO bucket kept archives are mirrored to.
type Destination struct {
	Endpoint  string
	Bucket    string
	Folder    string
	AccessKey string
	SecretKey string
	// Insecure talks plain HTTP to the endpoint.
	Insecure bool
}

// Enabled reports whether a mirror is configured.
func (d Destination) Enabled() bool {
	return d.Endpoint != "" && d.Bucket != ""
}

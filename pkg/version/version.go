package version

// Version is the current version of the shopcall server
const Version = "0.4.2"

// UserAgent returns the User-Agent string for outbound HTTP requests
func UserAgent() string {
	return "shopcall/" + Version
}

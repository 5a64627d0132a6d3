package delivery

// File is an uploaded document held in memory for the duration of one request.
// Size is the number of bytes the client sent, which can be larger than
// len(Data) when the upload was cut off at the size ceiling.
type File struct {
	Name string
	Size int64
	Data []byte
}

// Submission is a single send request. It is never persisted.
type Submission struct {
	File         *File
	Recipient    string
	CaptchaToken string
	ClientIP     string
}

// RateLimitKey is the limiter key for the submitting client.
func RateLimitKey(clientIP string) string {
	return "ip:" + clientIP
}

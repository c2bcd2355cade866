package s3

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/cannalonga/pagedeploy/internal/storage"
)

func TestClassifyTransientCodes(t *testing.T) {
	for _, code := range []string{"SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError", "RequestError"} {
		err := classify("upload", awserr.New(code, "backend unavailable", nil))
		if !err.Transient {
			t.Fatalf("expected %s to classify as transient", code)
		}
		if !storage.IsTransient(err) {
			t.Fatalf("IsTransient did not recognize %s", code)
		}
	}
}

func TestClassifyPermanentCodes(t *testing.T) {
	for _, code := range []string{"AccessDenied", "InvalidAccessKeyId", "NoSuchBucket", "SignatureDoesNotMatch"} {
		err := classify("upload", awserr.New(code, "rejected", nil))
		if err.Transient {
			t.Fatalf("expected %s to classify as permanent", code)
		}
	}
}

func TestClassifyWrapsOriginalError(t *testing.T) {
	cause := awserr.New("AccessDenied", "rejected", nil)
	err := classify("upload sites/t/p/v1/index.html", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("classified error does not wrap cause")
	}
}

func TestClassifyPlainErrorDefaultsPermanent(t *testing.T) {
	err := classify("upload", errors.New("unexpected response"))
	if err.Transient {
		t.Fatalf("plain errors must not be treated as retryable")
	}
}

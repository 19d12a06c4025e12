package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeBucket struct {
	objects map[string][]byte
	puts    int
	failPut error
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if aws.ToInt64(in.ContentLength) != int64(len(data)) {
		return nil, errors.New("content length mismatch")
	}
	f.puts++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestLoadMissingObject(t *testing.T) {
	s := newStore(&fakeBucket{objects: map[string][]byte{}}, "lab", "vfshell/state")
	if _, err := s.Load(context.Background()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	s := newStore(bucket, "lab", "vfshell/state")
	ctx := context.Background()
	if err := s.Save(ctx, []byte("blob")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil || string(got) != "blob" {
		t.Fatalf("Load = %q, %v", got, err)
	}
	if _, ok := bucket.objects["lab/vfshell/state"]; !ok {
		t.Errorf("object stored under unexpected key: %v", bucket.objects)
	}
}

func TestSaveError(t *testing.T) {
	s := newStore(&fakeBucket{objects: map[string][]byte{}, failPut: errors.New("access denied")}, "lab", "k")
	if err := s.Save(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected an error")
	}
}

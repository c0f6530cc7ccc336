package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	fail    map[string]error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if err := f.fail[aws.ToString(in.Key)]; err != nil {
		return nil, err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[key] = string(body)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-` + aws.ToString(in.Key) + `"`)}, nil
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestUploadDirShipsJSONFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"topology_inventory.json": `{"hosts":[]}`,
		"flow_stats_list.json":    `[]`,
	})
	writeFiles(t, dir, map[string]string{"controller.log": "not a record"})
	writeFiles(t, dir, map[string]string{".port_stats_list.json.tmp-123": "partial write"})
	s3c := &fakeS3{}
	u := &Uploader{Client: s3c}

	got, err := u.UploadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "flow_stats_list.json", got[0].Key)
	assert.Equal(t, "topology_inventory.json", got[1].Key)
	assert.Equal(t, `"etag-flow_stats_list.json"`, got[0].ETag)
	assert.Equal(t, int64(2), got[0].Size)

	assert.Equal(t, map[string]string{
		"flow-logs-sdn/flow_stats_list.json":    `[]`,
		"flow-logs-sdn/topology_inventory.json": `{"hosts":[]}`,
	}, s3c.objects)
}

func TestUploadDirPrefixAndBucket(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"port_stats_list.json": `[{}]`})
	s3c := &fakeS3{}
	u := &Uploader{Client: s3c, Bucket: "lab-records", Prefix: "runs/2024-05-01/"}

	got, err := u.UploadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "runs/2024-05-01/port_stats_list.json", got[0].Key)
	assert.Contains(t, s3c.objects, "lab-records/runs/2024-05-01/port_stats_list.json")
}

func TestUploadDirContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.json": "1",
		"b.json": "2",
		"c.json": "3",
	})
	denied := errors.New("AccessDenied")
	s3c := &fakeS3{fail: map[string]error{"b.json": denied}}

	got, err := (&Uploader{Client: s3c}).UploadDir(context.Background(), dir)
	require.ErrorIs(t, err, denied)
	require.Len(t, got, 2)
	assert.Equal(t, "a.json", got[0].Key)
	assert.Equal(t, "c.json", got[1].Key)
}

func TestUploadDirEmpty(t *testing.T) {
	_, err := (&Uploader{Client: &fakeS3{}}).UploadDir(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoRecords)
}

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

func newClusterForTest(client *fake.Clientset) *Cluster {
	return NewClusterWithClient(client, ClusterConfig{
		Namespace:      "sift-runs",
		ServiceAccount: "sift-runner",
		Image:          "sift-runner:1.0",
		DatasetsPVC:    "sift-datasets",
		PollInterval:   time.Millisecond,
	})
}

// completeJobsOnCreate marks every created job terminal before the
// object tracker stores it, so the poll loop sees a finished job on its
// first read.
func completeJobsOnCreate(client *fake.Clientset, succeeded bool) {
	client.PrependReactor("create", "jobs", func(action k8stesting.Action) (bool, k8sruntime.Object, error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batchv1.Job)
		if succeeded {
			job.Status.Succeeded = 1
		} else {
			job.Status.Failed = 1
		}
		return false, nil, nil
	})
}

func TestClusterExecute_Success(t *testing.T) {
	client := fake.NewSimpleClientset()
	completeJobsOnCreate(client, true)

	e := newClusterForTest(client)
	e.fetchLogs = func(context.Context, string) ([]byte, error) {
		return []byte("loading dataset\n" + successDoc + "\n"), nil
	}

	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, res.Status)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Equal(t, domain.RunStatusSucceeded, e.Status("run-1"))
}

func TestClusterExecute_FailedJobWithStructuredResult(t *testing.T) {
	client := fake.NewSimpleClientset()
	completeJobsOnCreate(client, false)

	const errDoc = `{"status":"error","columns":[],"rows":[],"row_count":0,"exec_time_ms":4,"stdout_trunc":"","stderr_trunc":"","error":{"type":"PYTHON_EXECUTION_ERROR","message":"KeyError: 'missing'"}}`
	e := newClusterForTest(client)
	e.fetchLogs = func(context.Context, string) ([]byte, error) {
		return []byte(errDoc), nil
	}

	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, runner.StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.ErrPythonExecution), res.Error.Type)
	assert.Equal(t, "KeyError: 'missing'", res.Error.Message)
}

func TestClusterExecute_Timeout_DeletesJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	// No reactor: the job never reaches a terminal phase.
	e := newClusterForTest(client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := testRequest()
	req.TimeoutSeconds = 1
	res, err := e.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusTimeout, res.Status)
	assert.Equal(t, domain.RunStatusTimedOut, e.Status("run-1"))

	_, getErr := client.BatchV1().Jobs("sift-runs").Get(context.Background(), "sift-run-run-1", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(getErr), "timed-out job must be deleted")
}

func TestClusterExecute_RejectsOversizedPayload(t *testing.T) {
	e := newClusterForTest(fake.NewSimpleClientset())

	req := testRequest()
	req.SQL = "SELECT '" + strings.Repeat("x", maxEnvPayloadBytes) + "'"
	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.ErrRunnerInternal), res.Error.Type)
	assert.Contains(t, res.Error.Message, "payload limit")
}

func TestClusterBuildJob(t *testing.T) {
	e := newClusterForTest(fake.NewSimpleClientset())
	req := testRequest()
	job := e.buildJob(req, "0b5c9f3a-run", []byte(`{"dataset_id":"support"}`))

	assert.Equal(t, "sift-run-0b5c9f3a", job.Name)
	assert.Equal(t, "sift-runs", job.Namespace)
	assert.Equal(t, "0b5c9f3a-run", job.Labels["sift.run-id"])
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, int32(300), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int64(req.TimeoutSeconds+5), *job.Spec.ActiveDeadlineSeconds)

	pod := job.Spec.Template.Spec
	assert.Equal(t, "sift-runner", pod.ServiceAccountName)
	require.NotNil(t, pod.SecurityContext.RunAsNonRoot)
	assert.True(t, *pod.SecurityContext.RunAsNonRoot)
	assert.Equal(t, int64(65534), *pod.SecurityContext.RunAsUser)

	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, []string{"python3", sqlRunnerScript}, c.Command)
	require.Len(t, c.Env, 1)
	assert.Equal(t, "RUNNER_REQUEST_JSON", c.Env[0].Name)
	assert.Equal(t, `{"dataset_id":"support"}`, c.Env[0].Value)
	assert.True(t, *c.SecurityContext.ReadOnlyRootFilesystem)
	assert.False(t, *c.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, "500m", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "512Mi", c.Resources.Limits.Memory().String())

	require.Len(t, pod.Volumes, 2)
	assert.Equal(t, "sift-datasets", pod.Volumes[0].PersistentVolumeClaim.ClaimName)
	assert.True(t, pod.Volumes[0].PersistentVolumeClaim.ReadOnly)

	pyJob := e.buildJob(&runner.Request{QueryType: runner.QueryTypePython}, "r", nil)
	assert.Equal(t, []string{"python3", pythonRunnerScript}, pyJob.Spec.Template.Spec.Containers[0].Command)
}

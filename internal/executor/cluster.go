package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// maxEnvPayloadBytes bounds the runner request delivered through the
// job environment. Kubernetes caps the total env block well above this.
const maxEnvPayloadBytes = 128 * 1024

// ClusterConfig configures the cluster-job backend.
type ClusterConfig struct {
	Namespace      string
	ServiceAccount string
	Image          string
	ImagePullPolicy string // default IfNotPresent
	CPULimit       string // default "500m"
	MemoryLimit    string // default "512Mi"
	DatasetsPVC    string // PVC holding the datasets, mounted read-only at /data
	JobTTLSeconds  int32  // default 300
	PollInterval   time.Duration // default 250ms
}

func (c *ClusterConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ImagePullPolicy == "" {
		c.ImagePullPolicy = "IfNotPresent"
	}
	if c.CPULimit == "" {
		c.CPULimit = "500m"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "512Mi"
	}
	if c.JobTTLSeconds <= 0 {
		c.JobTTLSeconds = 300
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Cluster runs each submission as a Kubernetes Job in a dedicated
// namespace: create job, poll to completion, read pod logs, extract the
// result document, clean up. Successful jobs are left to the TTL
// controller so recent capsules can re-read logs; timed-out jobs are
// deleted immediately.
type Cluster struct {
	cfg    ClusterConfig
	client kubernetes.Interface
	runs   *tracker

	// fetchLogs reads the pod logs for a job; replaced in tests.
	fetchLogs func(ctx context.Context, jobName string) ([]byte, error)
}

// NewCluster creates the cluster executor, preferring in-cluster
// credentials and falling back to the local kubeconfig.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewClusterWithClient(client, cfg), nil
}

// NewClusterWithClient creates the cluster executor around an existing
// clientset.
func NewClusterWithClient(client kubernetes.Interface, cfg ClusterConfig) *Cluster {
	cfg.applyDefaults()
	e := &Cluster{cfg: cfg, client: client, runs: newTracker()}
	e.fetchLogs = e.podLogs
	return e
}

func (e *Cluster) Name() string { return "cluster" }

func (e *Cluster) Execute(ctx context.Context, req *runner.Request) (*runner.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal runner request: %w", err)
	}
	if len(payload) > maxEnvPayloadBytes {
		return runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("runner request of %d bytes exceeds the job payload limit", len(payload))), nil
	}

	deadline := time.Duration(req.TimeoutSeconds)*time.Second + timeoutGrace
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	e.runs.start(runID, cancel)

	res := e.run(runCtx, req, runID, payload)
	runner.Shape(res, req.MaxRows, req.MaxOutputBytes)
	e.runs.finish(runID, res)
	return res, nil
}

func (e *Cluster) run(ctx context.Context, req *runner.Request, runID string, payload []byte) *runner.Result {
	job := e.buildJob(req, runID, payload)
	jobName := job.Name

	if _, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return runner.ErrorResult(domain.ErrBackendUnavailable,
			fmt.Sprintf("job admission failed: %v", err))
	}

	phase, err := e.await(ctx, jobName)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("cluster run timed out", "run_id", runID, "job", jobName)
		e.deleteJob(jobName)
		return runner.TimeoutResult(req.TimeoutSeconds)
	case errors.Is(err, context.Canceled):
		e.deleteJob(jobName)
		return runner.ErrorResult(domain.ErrRunnerInternal, "run cancelled")
	case err != nil:
		e.deleteJob(jobName)
		return runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("job poll failed: %v", err))
	}

	logs, logErr := e.fetchLogsWithLag(ctx, jobName)
	if phase == jobFailed {
		msg := "job failed"
		if logErr == nil {
			if res, perr := runner.ParseResult(logs); perr == nil {
				return res // runner reported its own structured failure
			}
			msg = fmt.Sprintf("job failed: %s", runner.CapString(string(logs), 512))
		}
		return runner.ErrorResult(domain.ErrRunnerInternal, msg)
	}

	if logErr != nil {
		return runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("read job logs: %v", logErr))
	}
	res, perr := runner.ParseResult(logs)
	if perr != nil {
		return runner.ErrorResult(domain.ErrRunnerInternal,
			fmt.Sprintf("job produced no result document: %v", perr))
	}
	return res
}

type jobPhase int

const (
	jobSucceeded jobPhase = iota
	jobFailed
)

// await polls the job until a terminal phase or context deadline.
func (e *Cluster) await(ctx context.Context, jobName string) (jobPhase, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return jobFailed, ctx.Err()
		case <-ticker.C:
		}
		job, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return jobFailed, fmt.Errorf("job %s disappeared", jobName)
			}
			continue // transient API error, keep polling
		}
		if job.Status.Succeeded > 0 {
			return jobSucceeded, nil
		}
		if job.Status.Failed > 0 {
			return jobFailed, nil
		}
	}
}

// fetchLogsWithLag retries log reads briefly: the API server can lag the
// container's final output by a moment after the job reports complete.
func (e *Cluster) fetchLogsWithLag(ctx context.Context, jobName string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		logs, err := e.fetchLogs(ctx, jobName)
		if err == nil && len(logs) > 0 {
			return logs, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("job %s produced no logs", jobName)
	}
	return nil, lastErr
}

func (e *Cluster) podLogs(ctx context.Context, jobName string) ([]byte, error) {
	pods, err := e.client.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("list job pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("no pods for job %s", jobName)
	}
	pod := pods.Items[0].Name
	raw, err := e.client.CoreV1().Pods(e.cfg.Namespace).GetLogs(pod, &corev1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		return nil, fmt.Errorf("read pod logs: %w", err)
	}
	return raw, nil
}

// buildJob assembles the per-run Job with the same security envelope as
// the local backend: non-root, read-only rootfs, dropped capabilities,
// bounded resources, datasets mounted read-only, and a small tmpfs.
// Network egress is denied by the namespace's NetworkPolicy.
func (e *Cluster) buildJob(req *runner.Request, runID string, payload []byte) *batchv1.Job {
	script := sqlRunnerScript
	if req.QueryType == runner.QueryTypePython {
		script = pythonRunnerScript
	}

	name := "sift-run-" + shortID(runID)
	labels := map[string]string{
		"app.kubernetes.io/name": "sift-runner",
		"sift.run-id":            runID,
	}

	cpu := resource.MustParse(e.cfg.CPULimit)
	memory := resource.MustParse(e.cfg.MemoryLimit)
	tmpSize := resource.MustParse("64Mi")

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.cfg.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr(int32(0)),
			TTLSecondsAfterFinished: ptr(e.cfg.JobTTLSeconds),
			ActiveDeadlineSeconds:   ptr(int64(req.TimeoutSeconds + 5)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: e.cfg.ServiceAccount,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: ptr(true),
						RunAsUser:    ptr(int64(65534)),
						FSGroup:      ptr(int64(65534)),
					},
					Containers: []corev1.Container{{
						Name:            "runner",
						Image:           e.cfg.Image,
						ImagePullPolicy: corev1.PullPolicy(e.cfg.ImagePullPolicy),
						Command:         []string{"python3", script},
						Env: []corev1.EnvVar{{
							Name:  "RUNNER_REQUEST_JSON",
							Value: string(payload),
						}},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    cpu,
								corev1.ResourceMemory: memory,
							},
						},
						SecurityContext: &corev1.SecurityContext{
							ReadOnlyRootFilesystem:   ptr(true),
							AllowPrivilegeEscalation: ptr(false),
							Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "datasets", MountPath: "/data", ReadOnly: true},
							{Name: "tmp", MountPath: "/tmp"},
						},
					}},
					Volumes: []corev1.Volume{
						{
							Name: "datasets",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: e.cfg.DatasetsPVC,
									ReadOnly:  true,
								},
							},
						},
						{
							Name: "tmp",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{
									Medium:    corev1.StorageMediumMemory,
									SizeLimit: &tmpSize,
								},
							},
						},
					},
				},
			},
		},
	}
}

func (e *Cluster) deleteJob(jobName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	propagation := metav1.DeletePropagationBackground
	err := e.client.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		slog.Warn("delete job", "job", jobName, "error", err)
	}
}

func (e *Cluster) Status(runID string) domain.RunStatus { return e.runs.getStatus(runID) }
func (e *Cluster) Result(runID string) *runner.Result   { return e.runs.getResult(runID) }

func (e *Cluster) Cancel(_ context.Context, runID string) error {
	e.runs.cancel(runID)
	e.deleteJob("sift-run-" + shortID(runID))
	return nil
}

func (e *Cluster) Cleanup(runID string) { e.runs.cleanup(runID) }

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func ptr[T any](v T) *T { return &v }

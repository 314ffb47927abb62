// Package archive copies sealed ranges of the audit logs to S3-compatible
// object storage for long-term retention.
//
// A segment is a run of SegmentSize consecutive records of one log. Only
// complete segments are archived, and each one is verified against the hash
// chain before it leaves the database. Objects are keyed by seq range:
//
//	<prefix>/<log>/<from seq>-<to seq>.ndjson
//
// so the bucket listing is the archive's progress record and a run can be
// repeated safely. Every upload is an egress and is preceded by its
// ExportRecord.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

var archiveTracer = otel.Tracer("clinaudit/archive")

// DefaultSegmentSize is the number of records per archived object.
const DefaultSegmentSize = 1000

// ErrChainBroken is returned when a segment fails hash-chain verification.
var ErrChainBroken = errors.New("audit chain broken")

// ObjectStore is the subset of the S3 API the archiver uses. *s3.Client
// implements it.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 client.
type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client creates an S3 client. Static keys are used when given,
// otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Source reads the logs. *audit.Reader implements it.
type Source interface {
	LastSeq(ctx context.Context, log audit.LogName) (int64, error)
	Range(ctx context.Context, log audit.LogName, fromSeq, toSeq int64) ([]audit.StoredRecord, error)
	VerifyChain(ctx context.Context, log audit.LogName, fromSeq, toSeq int64) (audit.ChainReport, error)
}

// Config configures an Archiver.
type Config struct {
	Bucket      string
	Prefix      string
	SegmentSize int
	Logger      *logrus.Logger
}

// Archiver uploads sealed segments.
type Archiver struct {
	store    ObjectStore
	source   Source
	recorder audit.Appender
	config   Config
}

// New creates an archiver. Segment sizes above audit.MaxRangeSize are
// clamped to it.
func New(store ObjectStore, source Source, recorder audit.Appender, config Config) (*Archiver, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if config.SegmentSize <= 0 {
		config.SegmentSize = DefaultSegmentSize
	}
	if config.SegmentSize > audit.MaxRangeSize {
		config.SegmentSize = audit.MaxRangeSize
	}
	config.Prefix = strings.Trim(config.Prefix, "/")
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Archiver{store: store, source: source, recorder: recorder, config: config}, nil
}

// Segment describes one archived object.
type Segment struct {
	Log      audit.LogName `json:"log"`
	FromSeq  int64         `json:"from_seq"`
	ToSeq    int64         `json:"to_seq"`
	Key      string        `json:"key"`
	Checksum string        `json:"checksum_sha256"`
	Bytes    int           `json:"bytes"`
}

// Key returns the object key of a seq range.
func (a *Archiver) Key(log audit.LogName, fromSeq, toSeq int64) string {
	name := fmt.Sprintf("%012d-%012d.ndjson", fromSeq, toSeq)
	if a.config.Prefix == "" {
		return path.Join(string(log), name)
	}
	return path.Join(a.config.Prefix, string(log), name)
}

// parseKey returns the seq range encoded in an object key.
func parseKey(key string) (int64, int64, bool) {
	name := strings.TrimSuffix(path.Base(key), ".ndjson")
	if name == path.Base(key) {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, false
	}
	f, err1 := strconv.ParseInt(from, 10, 64)
	t, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil || f < 1 || t < f {
		return 0, 0, false
	}
	return f, t, true
}

// Archived returns the highest seq already archived for log.
func (a *Archiver) Archived(ctx context.Context, log audit.LogName) (int64, error) {
	prefix := path.Dir(a.Key(log, 1, 1)) + "/"
	paginator := s3.NewListObjectsV2Paginator(a.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.config.Bucket),
		Prefix: aws.String(prefix),
	})

	var last int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list archived %s segments: %w", log, err)
		}
		for _, obj := range page.Contents {
			if _, to, ok := parseKey(aws.ToString(obj.Key)); ok && to > last {
				last = to
			}
		}
	}
	return last, nil
}

// Run archives every complete segment of log that is not yet in the
// bucket. It stops at the first failure; segments already uploaded stay.
func (a *Archiver) Run(ctx context.Context, log audit.LogName) ([]Segment, error) {
	ctx, span := archiveTracer.Start(ctx, "Archiver.Run", trace.WithAttributes(attribute.String("audit.log", string(log))))
	defer span.End()

	if !log.Valid() {
		return nil, fmt.Errorf("%w: unknown log %q", audit.ErrInvalidEntry, log)
	}
	archived, err := a.Archived(ctx, log)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	last, err := a.source.LastSeq(ctx, log)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	size := int64(a.config.SegmentSize)
	var done []Segment
	for from := archived + 1; from+size-1 <= last; from += size {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		seg, err := a.archiveSegment(ctx, log, from, from+size-1)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "segment failed")
			return done, err
		}
		done = append(done, seg)
	}

	a.config.Logger.WithFields(logrus.Fields{
		"log":      log,
		"segments": len(done),
		"archived": archived + int64(len(done))*size,
		"last_seq": last,
	}).Info("Audit archive run complete")
	return done, nil
}

// RunAll archives every log.
func (a *Archiver) RunAll(ctx context.Context) (map[audit.LogName][]Segment, error) {
	out := make(map[audit.LogName][]Segment, len(audit.Logs))
	var errs []error
	for _, log := range audit.Logs {
		segs, err := a.Run(ctx, log)
		out[log] = segs
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", log, err))
		}
	}
	return out, errors.Join(errs...)
}

func (a *Archiver) archiveSegment(ctx context.Context, log audit.LogName, fromSeq, toSeq int64) (Segment, error) {
	report, err := a.source.VerifyChain(ctx, log, fromSeq, toSeq)
	if err != nil {
		return Segment{}, err
	}
	if !report.Valid {
		reason := "incomplete range"
		if report.Break != nil {
			reason = fmt.Sprintf("seq %d: %s", report.Break.Seq, report.Break.Reason)
		}
		return Segment{}, fmt.Errorf("%w: %s %d-%d: %s", ErrChainBroken, log, fromSeq, toSeq, reason)
	}

	records, err := a.source.Range(ctx, log, fromSeq, toSeq)
	if err != nil {
		return Segment{}, err
	}
	if int64(len(records)) != toSeq-fromSeq+1 {
		return Segment{}, fmt.Errorf("%w: %s %d-%d has %d records", ErrChainBroken, log, fromSeq, toSeq, len(records))
	}

	var buf bytes.Buffer
	if err := audit.WriteNDJSON(&buf, records); err != nil {
		return Segment{}, err
	}
	sum := sha256.Sum256(buf.Bytes())

	seg := Segment{
		Log:      log,
		FromSeq:  fromSeq,
		ToSeq:    toSeq,
		Key:      a.Key(log, fromSeq, toSeq),
		Checksum: hex.EncodeToString(sum[:]),
		Bytes:    buf.Len(),
	}

	rec := audit.ExportRecord{
		Scope:                   "archive:" + string(log),
		StudyIDs:                []string{},
		RecordCount:             len(records),
		ContainsIdentifyingData: log == audit.LogChange || log == audit.LogValidation,
		Purpose:                 "retention archive",
		Filename:                "s3://" + a.config.Bucket + "/" + seg.Key,
	}
	_, err = audit.ReleaseExport(ctx, a.recorder, principal.System("archiver"), rec, func() error {
		_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.config.Bucket),
			Key:         aws.String(seg.Key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
			Metadata: map[string]string{
				"checksum-sha256": seg.Checksum,
				"first-prev-hash": records[0].PrevHash,
				"last-hash":       records[len(records)-1].Hash,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", seg.Key, err)
		}
		return nil
	})
	if err != nil {
		return Segment{}, err
	}

	a.config.Logger.WithFields(logrus.Fields{
		"log":  log,
		"from": fromSeq,
		"to":   toSeq,
		"key":  seg.Key,
	}).Info("Archived audit segment")
	return seg, nil
}

package routecfg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/knadh/koanf/providers/file"

	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

// DefaultMaxBytes caps the size of a routing document.
const DefaultMaxBytes = 1 << 20

type SourceKind string

const (
	SourceFile  SourceKind = "file"
	SourceS3    SourceKind = "s3"
	SourceSSM   SourceKind = "ssm"
	SourceFlags SourceKind = "flags"
)

// Source is a parsed -routes-source value.
type Source struct {
	Kind SourceKind
	// file path or SSM parameter name
	Path   string
	Bucket string
	Key    string
}

func (s Source) String() string {
	switch s.Kind {
	case SourceS3:
		return "s3://" + s.Bucket + "/" + s.Key
	case SourceSSM:
		return "ssm:" + s.Path
	case SourceFlags:
		return "flags"
	default:
		return s.Path
	}
}

// ParseSource accepts a file path, s3://bucket/key or ssm:/parameter/name.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Source{}, xerrors.New("routes source is empty")
	case strings.HasPrefix(raw, "s3://"):
		bucket, key, _ := strings.Cut(strings.TrimPrefix(raw, "s3://"), "/")
		if bucket == "" || key == "" {
			return Source{}, xerrors.Newf("routes source %q must be s3://bucket/key", raw)
		}
		return Source{Kind: SourceS3, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(raw, "ssm:"):
		name := strings.TrimPrefix(raw, "ssm:")
		if !strings.HasPrefix(name, "/") || len(name) < 2 {
			return Source{}, xerrors.Newf("routes source %q must be ssm:/parameter/name", raw)
		}
		return Source{Kind: SourceSSM, Path: name}, nil
	case strings.Contains(raw, "://"):
		return Source{}, xerrors.Newf("unsupported routes source scheme in %q", raw)
	default:
		return Source{Kind: SourceFile, Path: raw}, nil
	}
}

// S3API is the slice of *s3.Client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the slice of *ssm.Client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// clients are built from AWSConfig (or the default chain) when nil
	S3Client  S3API
	SSMClient SSMAPI
	AWSConfig *aws.Config

	// overrides prefix, DefaultEnvPrefix when empty; "-" disables overrides
	EnvPrefix string
	MaxBytes  int64
}

type Loader struct {
	src       Source
	opts      LoaderOptions
	s3Client  S3API
	ssmClient SSMAPI
	logger    log.Logger
}

// NewLoader prepares a loader for src. AWS configuration is only resolved
// for S3 and SSM sources.
func NewLoader(ctx context.Context, src Source, opts LoaderOptions) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	switch opts.EnvPrefix {
	case "":
		opts.EnvPrefix = DefaultEnvPrefix
	case "-":
		opts.EnvPrefix = ""
	}

	l := &Loader{src: src, opts: opts, s3Client: opts.S3Client, ssmClient: opts.SSMClient, logger: opts.Logger}

	needS3 := src.Kind == SourceS3 && l.s3Client == nil
	needSSM := src.Kind == SourceSSM && l.ssmClient == nil
	if !needS3 && !needSSM {
		if src.Kind != SourceFile && src.Kind != SourceS3 && src.Kind != SourceSSM {
			return nil, xerrors.Newf("routes source kind %q cannot be loaded", src.Kind)
		}
		return l, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if needS3 {
		l.s3Client = s3.NewFromConfig(awsCfg)
	}
	if needSSM {
		l.ssmClient = ssm.NewFromConfig(awsCfg)
	}
	return l, nil
}

func (l *Loader) Source() Source { return l.src }

// Fetch returns the raw document and its sha256.
func (l *Loader) Fetch(ctx context.Context) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	switch l.src.Kind {
	case SourceFile:
		data, err = file.Provider(l.src.Path).ReadBytes()
		if err != nil {
			err = xerrors.Wrapf(err, "read routes file %s", l.src.Path)
		}
	case SourceS3:
		data, err = l.fetchS3(ctx)
	case SourceSSM:
		data, err = l.fetchSSM(ctx)
	default:
		err = xerrors.Newf("routes source kind %q cannot be fetched", l.src.Kind)
	}
	if err != nil {
		return nil, "", xerrors.With(err, "source", l.src.String())
	}
	if int64(len(data)) > l.opts.MaxBytes {
		return nil, "", xerrors.Newf("routing document from %s exceeds %d bytes", l.src, l.opts.MaxBytes)
	}
	return data, digest(data), nil
}

func (l *Loader) fetchS3(ctx context.Context) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.src.Bucket),
		Key:    aws.String(l.src.Key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object %s", l.src)
	}
	defer out.Body.Close()

	// one extra byte so an oversized object is detected rather than truncated
	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object %s", l.src)
	}
	return data, nil
}

func (l *Loader) fetchSSM(ctx context.Context) ([]byte, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.src.Path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", l.src.Path)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", l.src.Path)
	}
	return []byte(aws.ToString(out.Parameter.Value)), nil
}

// Load fetches and parses the document into a snapshot.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	data, hash, err := l.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return l.parse(data, hash)
}

func (l *Loader) parse(data []byte, hash string) (*Snapshot, error) {
	cfg, err := Parse(data, l.opts.EnvPrefix)
	if err != nil {
		return nil, xerrors.With(err, "source", l.src.String(), "hash", truncHash(hash))
	}
	return &Snapshot{Config: cfg, Source: l.src, Hash: hash, LoadedAt: time.Now().UTC()}, nil
}

// Load is the one-shot form used at startup.
func Load(ctx context.Context, source string, opts LoaderOptions) (*Snapshot, error) {
	src, err := ParseSource(source)
	if err != nil {
		return nil, err
	}
	l, err := NewLoader(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	snap, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	l.logger.Info(ctx, "routing config loaded",
		"source", src.String(),
		"hash", truncHash(snap.Hash),
		"rbac", snap.Config.RBACEnabled,
		"multitenant", snap.Config.MultitenantEnabled,
	)
	return snap, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/logger"
	"go.uber.org/zap"
)

// cognitoAPI is the subset of the Cognito client used here.
type cognitoAPI interface {
	AdminCreateUser(ctx context.Context, in *cip.AdminCreateUserInput, opts ...func(*cip.Options)) (*cip.AdminCreateUserOutput, error)
	AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, opts ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
}

// Cognito registers verified users in an AWS Cognito user pool. The user's
// "sub" attribute is the external reference.
type Cognito struct {
	api    cognitoAPI
	poolID string
	log    *zap.Logger
}

// NewCognito creates a Cognito client. When cfg.EndpointURL is set (LocalStack),
// it overrides the endpoint so all traffic goes to the local instance.
func NewCognito(ctx context.Context, cfg config.CognitoConfig, log *zap.Logger) (*Cognito, error) {
	if cfg.UserPoolID == "" {
		return nil, errors.New("identity: cognito user_pool_id is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("identity: load aws config: %w", err)
	}

	var clientOpts []func(*cip.Options)
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *cip.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return newCognito(cip.NewFromConfig(awsCfg, clientOpts...), cfg.UserPoolID, log), nil
}

func newCognito(api cognitoAPI, poolID string, log *zap.Logger) *Cognito {
	return &Cognito{api: api, poolID: poolID, log: logger.OrNop(log)}
}

var _ Provider = (*Cognito)(nil)

// CreateUser creates a confirmed account without Cognito's own invitation
// email; the address was already proven by our code.
func (c *Cognito) CreateUser(ctx context.Context, email, name string) (string, error) {
	out, err := c.api.AdminCreateUser(ctx, &cip.AdminCreateUserInput{
		UserPoolId:    aws.String(c.poolID),
		Username:      aws.String(email),
		MessageAction: types.MessageActionTypeSuppress,
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String(email)},
			{Name: aws.String("email_verified"), Value: aws.String("true")},
			{Name: aws.String("name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		var exists *types.UsernameExistsException
		if errors.As(err, &exists) {
			return "", ErrUserExists
		}
		c.log.Error("cognito create user failed", zap.String("email", email), zap.Error(err))
		return "", fmt.Errorf("cognito create user: %w", err)
	}
	if out.User == nil {
		return "", errors.New("cognito create user: empty response")
	}

	ref, ok := subOf(out.User.Attributes)
	if !ok {
		return "", errors.New("cognito create user: missing sub attribute")
	}
	return ref, nil
}

func (c *Cognito) FindByEmail(ctx context.Context, email string) (string, bool, error) {
	out, err := c.api.AdminGetUser(ctx, &cip.AdminGetUserInput{
		UserPoolId: aws.String(c.poolID),
		Username:   aws.String(email),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cognito get user: %w", err)
	}

	ref, ok := subOf(out.UserAttributes)
	if !ok {
		return "", false, errors.New("cognito get user: missing sub attribute")
	}
	return ref, true, nil
}

func subOf(attrs []types.AttributeType) (string, bool) {
	for _, a := range attrs {
		if aws.ToString(a.Name) == "sub" && aws.ToString(a.Value) != "" {
			return aws.ToString(a.Value), true
		}
	}
	return "", false
}

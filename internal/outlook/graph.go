package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// messageQuery is one $top/$skip window over a folder. An empty Folder means
// the whole mailbox.
type messageQuery struct {
	Folder  string
	Top     int32
	Skip    int32
	Filter  string
	OrderBy []string
	Select  []string
	Expand  []string
}

// graphAPI is the slice of Microsoft Graph the client needs.
type graphAPI interface {
	listMessages(ctx context.Context, token string, q messageQuery) ([]graphmodels.Messageable, error)
	countMessages(ctx context.Context, token, folder, filter string) (int, error)
	sendMail(ctx context.Context, token string, msg graphmodels.Messageable) error
	reply(ctx context.Context, token, messageID string, msg graphmodels.Messageable) error
	createDraft(ctx context.Context, token string, msg graphmodels.Messageable) (graphmodels.Messageable, error)
	markRead(ctx context.Context, token, messageID string) error
	mailboxAddress(ctx context.Context, token string) (string, error)
}

// sdkAPI implements graphAPI with msgraph-sdk-go. A Graph client is built per
// call around the token the caller already validated.
type sdkAPI struct {
	scopes []string
}

func (a sdkAPI) me(token string) (*users.UserItemRequestBuilder, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: token}, a.scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client.Me(), nil
}

func (a sdkAPI) listMessages(ctx context.Context, token string, q messageQuery) ([]graphmodels.Messageable, error) {
	me, err := a.me(token)
	if err != nil {
		return nil, err
	}

	var filter *string
	if q.Filter != "" {
		filter = &q.Filter
	}

	if q.Folder == "" {
		resp, err := me.Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     &q.Top,
				Skip:    &q.Skip,
				Filter:  filter,
				Orderby: q.OrderBy,
				Select:  q.Select,
				Expand:  q.Expand,
			},
		})
		if err != nil {
			return nil, err
		}
		return resp.GetValue(), nil
	}

	resp, err := me.MailFolders().ByMailFolderId(q.Folder).Messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     &q.Top,
			Skip:    &q.Skip,
			Filter:  filter,
			Orderby: q.OrderBy,
			Select:  q.Select,
			Expand:  q.Expand,
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetValue(), nil
}

func (a sdkAPI) countMessages(ctx context.Context, token, folder, filter string) (int, error) {
	me, err := a.me(token)
	if err != nil {
		return 0, err
	}

	var f *string
	if filter != "" {
		f = &filter
	}

	var n *int32
	if folder == "" {
		n, err = me.Messages().Count().Get(ctx, &users.ItemMessagesCountRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesCountRequestBuilderGetQueryParameters{Filter: f},
		})
	} else {
		n, err = me.MailFolders().ByMailFolderId(folder).Messages().Count().Get(ctx, &users.ItemMailFoldersItemMessagesCountRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesCountRequestBuilderGetQueryParameters{Filter: f},
		})
	}
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, nil
	}
	return int(*n), nil
}

func (a sdkAPI) sendMail(ctx context.Context, token string, msg graphmodels.Messageable) error {
	me, err := a.me(token)
	if err != nil {
		return err
	}
	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(msg)
	save := true
	body.SetSaveToSentItems(&save)
	return me.SendMail().Post(ctx, body, nil)
}

func (a sdkAPI) reply(ctx context.Context, token, messageID string, msg graphmodels.Messageable) error {
	me, err := a.me(token)
	if err != nil {
		return err
	}
	body := users.NewItemMessagesItemReplyPostRequestBody()
	body.SetMessage(msg)
	return me.Messages().ByMessageId(messageID).Reply().Post(ctx, body, nil)
}

func (a sdkAPI) createDraft(ctx context.Context, token string, msg graphmodels.Messageable) (graphmodels.Messageable, error) {
	me, err := a.me(token)
	if err != nil {
		return nil, err
	}
	return me.Messages().Post(ctx, msg, nil)
}

func (a sdkAPI) markRead(ctx context.Context, token, messageID string) error {
	me, err := a.me(token)
	if err != nil {
		return err
	}
	patch := graphmodels.NewMessage()
	read := true
	patch.SetIsRead(&read)
	_, err = me.Messages().ByMessageId(messageID).Patch(ctx, patch, nil)
	return err
}

// staticTokenCredential hands an already-refreshed access token to the Graph SDK.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}

func (a sdkAPI) mailboxAddress(ctx context.Context, token string) (string, error) {
	me, err := a.me(token)
	if err != nil {
		return "", err
	}
	user, err := me.Get(ctx, nil)
	if err != nil {
		return "", err
	}
	if mail := user.GetMail(); mail != nil && *mail != "" {
		return *mail, nil
	}
	if upn := user.GetUserPrincipalName(); upn != nil {
		return *upn, nil
	}
	return "", fmt.Errorf("mailbox has no address")
}

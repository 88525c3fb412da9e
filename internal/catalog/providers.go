package catalog

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/hexleaf/mailgate/internal/upstream"
)

// Shared permission vocabulary. Every provider exposes the same four
// permission IDs so API key grants read uniformly across providers.
const (
	PermMailRead      = "mail:read"
	PermMailSend      = "mail:send"
	PermCalendarRead  = "calendar:read"
	PermCalendarWrite = "calendar:write"
)

// Google OAuth endpoints and API bases.
const (
	googleAuthURL      = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleGmailBase    = "https://gmail.googleapis.com/gmail/v1"
	googleCalendarBase = "https://www.googleapis.com/calendar/v3"

	scopeGmailRead      = "https://www.googleapis.com/auth/gmail.readonly"
	scopeGmailSend      = "https://www.googleapis.com/auth/gmail.send"
	scopeCalendarRead   = "https://www.googleapis.com/auth/calendar.readonly"
	scopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

// Microsoft identity platform endpoints and Graph base.
const (
	microsoftAuthURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	microsoftAPIBase  = "https://graph.microsoft.com/v1.0"

	scopeGraphMailRead       = "https://graph.microsoft.com/Mail.Read"
	scopeGraphMailSend       = "https://graph.microsoft.com/Mail.Send"
	scopeGraphCalendarsRead  = "https://graph.microsoft.com/Calendars.Read"
	scopeGraphCalendarsWrite = "https://graph.microsoft.com/Calendars.ReadWrite"
	scopeGraphOfflineAccess  = "offline_access"
)

// GoogleProvider describes Gmail + Google Calendar access.
func GoogleProvider(clientID, clientSecret string) Provider {
	return Provider{
		ID:           "google",
		Label:        "Google (Gmail & Calendar)",
		Endpoint:     oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: googleTokenURL},
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthScopes: []string{
			scopeGmailRead,
			scopeGmailSend,
			scopeCalendarRead,
			scopeCalendarEvents,
		},
		APIBaseURL: googleGmailBase,
		Permissions: []PermissionDefinition{
			{ID: PermMailRead, Label: "Read mail", Description: "List and read Gmail messages", Scope: scopeGmailRead},
			{ID: PermMailSend, Label: "Send mail", Description: "Send mail as the linked account", Scope: scopeGmailSend},
			{ID: PermCalendarRead, Label: "Read calendar", Description: "List calendar events", Scope: scopeCalendarRead},
			// calendar:write shipped after the original consent screen;
			// accounts linked before it need a re-auth to grant the scope.
			{ID: PermCalendarWrite, Label: "Write calendar", Description: "Create and update calendar events", Scope: scopeCalendarEvents, RequiresReauth: true},
		},
		ScopeMap: map[string][]string{
			scopeGmailRead:      {PermMailRead},
			scopeGmailSend:      {PermMailSend},
			scopeCalendarRead:   {PermCalendarRead},
			scopeCalendarEvents: {PermCalendarRead, PermCalendarWrite},
		},
		Operations: mailCalendarOperations(mailCalendarEndpoints{
			listMessages: googleGmailBase + "/users/me/messages",
			getMessage:   googleGmailBase + "/users/me/messages/",
			sendMessage:  googleGmailBase + "/users/me/messages/send",
			listEvents:   googleCalendarBase + "/calendars/primary/events",
			createEvent:  googleCalendarBase + "/calendars/primary/events",
		}),
	}
}

// MicrosoftProvider describes Outlook mail + calendar access via Graph.
func MicrosoftProvider(clientID, clientSecret string) Provider {
	return Provider{
		ID:           "microsoft",
		Label:        "Microsoft (Outlook & Calendar)",
		Endpoint:     oauth2.Endpoint{AuthURL: microsoftAuthURL, TokenURL: microsoftTokenURL},
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthScopes: []string{
			scopeGraphMailRead,
			scopeGraphMailSend,
			scopeGraphCalendarsRead,
			scopeGraphCalendarsWrite,
			scopeGraphOfflineAccess,
		},
		APIBaseURL: microsoftAPIBase,
		Permissions: []PermissionDefinition{
			{ID: PermMailRead, Label: "Read mail", Description: "List and read Outlook messages", Scope: scopeGraphMailRead},
			{ID: PermMailSend, Label: "Send mail", Description: "Send mail as the linked account", Scope: scopeGraphMailSend},
			{ID: PermCalendarRead, Label: "Read calendar", Description: "List calendar events", Scope: scopeGraphCalendarsRead},
			{ID: PermCalendarWrite, Label: "Write calendar", Description: "Create and update calendar events", Scope: scopeGraphCalendarsWrite, RequiresReauth: true},
		},
		ScopeMap: map[string][]string{
			scopeGraphMailRead:       {PermMailRead},
			scopeGraphMailSend:       {PermMailSend},
			scopeGraphCalendarsRead:  {PermCalendarRead},
			scopeGraphCalendarsWrite: {PermCalendarRead, PermCalendarWrite},
		},
		Operations: mailCalendarOperations(mailCalendarEndpoints{
			listMessages: microsoftAPIBase + "/me/messages",
			getMessage:   microsoftAPIBase + "/me/messages/",
			sendMessage:  microsoftAPIBase + "/me/sendMail",
			listEvents:   microsoftAPIBase + "/me/events",
			createEvent:  microsoftAPIBase + "/me/events",
		}),
	}
}

// mailCalendarEndpoints are the upstream URLs a provider's standard five
// operations dispatch to. getMessage is a prefix; the message ID is appended.
type mailCalendarEndpoints struct {
	listMessages string
	getMessage   string
	sendMessage  string
	listEvents   string
	createEvent  string
}

func mailCalendarOperations(ep mailCalendarEndpoints) []Operation {
	return []Operation{
		{
			ID:         "mail.list",
			Method:     http.MethodGet,
			Pattern:    "/mail/messages",
			Permission: PermMailRead,
			Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
				return client.Get(ctx, ep.listMessages, accessToken, r.URL.Query())
			},
		},
		{
			ID:         "mail.get",
			Method:     http.MethodGet,
			Pattern:    "/mail/messages/{id}",
			Permission: PermMailRead,
			Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
				return client.Get(ctx, ep.getMessage+chi.URLParam(r, "id"), accessToken, r.URL.Query())
			},
		},
		{
			ID:         "mail.send",
			Method:     http.MethodPost,
			Pattern:    "/mail/messages",
			Permission: PermMailSend,
			Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
				return client.Post(ctx, ep.sendMessage, accessToken, r.Body, r.Header.Get("Content-Type"))
			},
		},
		{
			ID:         "calendar.list",
			Method:     http.MethodGet,
			Pattern:    "/calendar/events",
			Permission: PermCalendarRead,
			Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
				return client.Get(ctx, ep.listEvents, accessToken, r.URL.Query())
			},
		},
		{
			ID:         "calendar.create",
			Method:     http.MethodPost,
			Pattern:    "/calendar/events",
			Permission: PermCalendarWrite,
			Invoke: func(ctx context.Context, client *upstream.Client, accessToken string, r *http.Request) (*upstream.Result, error) {
				return client.Post(ctx, ep.createEvent, accessToken, r.Body, r.Header.Get("Content-Type"))
			},
		},
	}
}

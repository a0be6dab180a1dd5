package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/aicallyu/olympus/internal/domain"
	"github.com/aicallyu/olympus/internal/warroom"
)

type roomPath struct {
	RoomID string `path:"room_id"`
}

func (a api) registerRooms(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-room",
		Method:        http.MethodPost,
		Path:          "/rooms",
		Summary:       "Create War Room",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRoomRequest `json:"body"`
	}) (*struct {
		Body domain.Room `json:"body"`
	}, error) {
		room, err := a.router.CreateRoom(ctx, domain.Room{
			ID: input.Body.ID, Name: input.Body.Name, RoutingMode: input.Body.RoutingMode,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Room `json:"body"`
		}{Body: room}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-rooms",
		Method:      http.MethodGet,
		Path:        "/rooms",
		Summary:     "List War Rooms",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RoomList `json:"body"`
	}, error) {
		items, err := a.router.Store.ListRooms(ctx)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Room{}
		}
		return &struct {
			Body RoomList `json:"body"`
		}{Body: RoomList{Items: items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "set-routing-mode",
		Method:      http.MethodPut,
		Path:        "/rooms/{room_id}/routing-mode",
		Summary:     "Change how a room picks responders",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RoomID string                `path:"room_id"`
		Body   SetRoutingModeRequest `json:"body"`
	}) (*struct {
		Body domain.Room `json:"body"`
	}, error) {
		room, err := a.router.SetRoutingMode(ctx, input.RoomID, input.Body.RoutingMode)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Room `json:"body"`
		}{Body: room}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/rooms/{room_id}/participants",
		Summary:       "Add an agent or human to a room",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		RoomID string                `path:"room_id"`
		Body   AddParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Participant `json:"body"`
	}, error) {
		if err := required("name", input.Body.Name); err != nil {
			return nil, err
		}
		p, err := a.router.AddParticipant(ctx, input.RoomID, input.Body.Name)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body domain.Participant `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/participants",
		Summary:     "List room participants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *roomPath) (*struct {
		Body ParticipantList `json:"body"`
	}, error) {
		if _, err := a.router.Store.GetRoom(ctx, input.RoomID); err != nil {
			return nil, a.handleError(ctx, err)
		}
		items, err := a.router.Store.ListParticipants(ctx, input.RoomID)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Participant{}
		}
		return &struct {
			Body ParticipantList `json:"body"`
		}{Body: ParticipantList{Items: items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/messages",
		Summary:     "Recent room messages, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body MessageList `json:"body"`
	}, error) {
		if _, err := a.router.Store.GetRoom(ctx, input.RoomID); err != nil {
			return nil, a.handleError(ctx, err)
		}
		items, err := a.router.Store.RecentMessages(ctx, input.RoomID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Message{}
		}
		return &struct {
			Body MessageList `json:"body"`
		}{Body: MessageList{Items: items}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "route-message",
		Method:      http.MethodPost,
		Path:        "/messages/route",
		Summary:     "Store a chat message and collect agent replies",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body RouteMessageRequest `json:"body"`
	}) (*struct {
		Body warroom.RouteResult `json:"body"`
	}, error) {
		sender := input.Body.SenderName
		if sender == "" {
			sender = actorIDFromContext(ctx)
		}
		res, err := a.router.Route(ctx, warroom.RouteRequest{
			MessageID:   input.Body.MessageID,
			RoomID:      input.Body.RoomID,
			SenderName:  sender,
			SenderType:  input.Body.SenderType,
			Content:     input.Body.Content,
			ContentType: input.Body.ContentType,
			AudioURL:    input.Body.AudioURL,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body warroom.RouteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "raise-hand",
		Method:        http.MethodPost,
		Path:          "/rooms/{room_id}/hands",
		Summary:       "Raise an agent's hand",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		RoomID string           `path:"room_id"`
		Body   RaiseHandRequest `json:"body"`
	}) (*struct{}, error) {
		if _, err := a.router.Store.GetRoom(ctx, input.RoomID); err != nil {
			return nil, a.handleError(ctx, err)
		}
		if err := a.router.RaiseHand(ctx, input.RoomID, input.Body.Name, input.Body.Reason); err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "lower-hands",
		Method:      http.MethodDelete,
		Path:        "/rooms/{room_id}/hands",
		Summary:     "Lower every raised hand",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *roomPath) (*struct {
		Body HandsLoweredResponse `json:"body"`
	}, error) {
		n, err := a.router.LowerAllHands(ctx, input.RoomID, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body HandsLoweredResponse `json:"body"`
		}{Body: HandsLoweredResponse{Lowered: n}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "respond-hands",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/hands/respond",
		Summary:     "Let hand-raised agents speak",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RoomID string               `path:"room_id"`
		Body   *RespondHandsRequest `json:"body" required:"false"`
	}) (*struct {
		Body warroom.RouteResult `json:"body"`
	}, error) {
		var names []string
		if input.Body != nil {
			names = input.Body.Names
		}
		res, err := a.router.RespondToRaisedHands(ctx, input.RoomID, names)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body warroom.RouteResult `json:"body"`
		}{Body: res}, nil
	})
}

func (a api) registerDiscussions(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "start-discussion",
		Method:      http.MethodPost,
		Path:        "/discussions",
		Summary:     "Run a bounded round-robin discussion and return its summary",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body StartDiscussionRequest `json:"body"`
	}) (*struct {
		Body warroom.DiscussionResult `json:"body"`
	}, error) {
		res, err := a.discussions.Start(ctx, warroom.DiscussionRequest{
			ID:          input.Body.DiscussionID,
			RoomID:      input.Body.RoomID,
			Topic:       input.Body.Topic,
			Deliverable: input.Body.Deliverable,
			Agents:      input.Body.Agents,
			StartedBy:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return &struct {
			Body warroom.DiscussionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-discussions",
		Method:      http.MethodGet,
		Path:        "/discussions",
		Summary:     "Ids of running discussions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		ids := a.discussions.Running()
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: map[string][]string{"running": ids}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "stop-discussion",
		Method:      http.MethodPost,
		Path:        "/discussions/{discussion_id}/stop",
		Summary:     "Cancel a running discussion",
	}, func(ctx context.Context, input *struct {
		DiscussionID string `path:"discussion_id"`
	}) (*struct {
		Body StopResponse `json:"body"`
	}, error) {
		return &struct {
			Body StopResponse `json:"body"`
		}{Body: StopResponse{Stopped: a.discussions.Stop(input.DiscussionID)}}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "stop-room-discussions",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/discussions/stop",
		Summary:     "Cancel every discussion running in a room",
	}, func(ctx context.Context, input *roomPath) (*struct {
		Body StopResponse `json:"body"`
	}, error) {
		return &struct {
			Body StopResponse `json:"body"`
		}{Body: StopResponse{Stopped: a.discussions.StopRoom(input.RoomID) > 0}}, nil
	})
}

package stub

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatsync/src/types"
)

const userIDKey = "userID"

func (s *Server) registerRoutes() {
	auth := s.app.Group("/api/auth")
	auth.Post("/register", s.handleRegister)
	auth.Post("/login", s.handleLogin)

	chat := s.app.Group("/api/chat", s.requireAuth)
	chat.Get("/conversations", s.handleListConversations)
	chat.Post("/conversations", s.handleCreateConversation)
	chat.Get("/conversations/:id/messages", s.handleListMessages)
	chat.Post("/messages", s.handleSendMessage)

	users := s.app.Group("/api/users", s.requireAuth)
	users.Get("/", s.handleDiscover)
	users.Get("/me", s.handleMe)
	users.Delete("/me", s.handleDeleteAccount)
	users.Post("/block", s.handleBlock)
	users.Delete("/unblock/:id", s.handleUnblock)
	users.Get("/blocked", s.handleBlocked)
	users.Post("/fcm-token", s.handlePushToken)
	users.Put("/password", s.handleChangePassword)
}

// errorHandler renders errors as {"error": "..."} with a matching status.
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, ErrEmailAlreadyUsed):
		code = fiber.StatusConflict
	case errors.Is(err, ErrBadCredentials), errors.Is(err, types.ErrUnauthorized):
		code = fiber.StatusUnauthorized
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrNotParticipant):
		code = fiber.StatusForbidden
	case errors.Is(err, ErrInvalidInput), errors.Is(err, types.ErrBlankContent):
		code = fiber.StatusBadRequest
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) requireAuth(c fiber.Ctx) error {
	userID, ok := s.store.Authenticate(bearer(c.Get(fiber.HeaderAuthorization)))
	if !ok {
		return types.ErrUnauthorized
	}
	c.Locals(userIDKey, userID)
	return c.Next()
}

func currentUser(c fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}

func decode(c fiber.Ctx, v any) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func (s *Server) handleRegister(c fiber.Ctx) error {
	var req struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		Gender    string `json:"gender"`
		BirthDate string `json:"birthDate"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	user, token, err := s.store.Register(req.Email, req.Password, req.Gender, req.BirthDate)
	if err != nil {
		return err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("user registered")
	return c.Status(fiber.StatusCreated).JSON(authResponse{Token: token, UserID: user.ID, Email: user.Email})
}

func (s *Server) handleLogin(c fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	user, token, err := s.store.Login(req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(authResponse{Token: token, UserID: user.ID, Email: user.Email})
}

func (s *Server) handleListConversations(c fiber.Ctx) error {
	return c.JSON(s.store.Conversations(currentUser(c)))
}

func (s *Server) handleCreateConversation(c fiber.Ctx) error {
	var req struct {
		OtherUserID string `json:"otherUserId"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	id, err := s.store.CreateConversation(currentUser(c), req.OtherUserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversationId": id})
}

func (s *Server) handleListMessages(c fiber.Ctx) error {
	msgs, err := s.store.Messages(currentUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

func (s *Server) handleSendMessage(c fiber.Ctx) error {
	var req struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	userID := currentUser(c)
	msg, recipient, err := s.store.AddMessage(userID, req.ConversationID, req.Content)
	if err != nil {
		return err
	}
	if d, err := newMessageDelivery(msg, userID, recipient); err == nil {
		s.hub.Deliver(d)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) handleDiscover(c fiber.Ctx) error {
	filter := UserFilter{Gender: c.Query("gender")}
	filter.MinAge, _ = strconv.Atoi(c.Query("minAge"))
	filter.MaxAge, _ = strconv.Atoi(c.Query("maxAge"))
	return c.JSON(s.store.Discover(currentUser(c), filter))
}

func (s *Server) handleMe(c fiber.Ctx) error {
	user, err := s.store.User(currentUser(c))
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (s *Server) handleDeleteAccount(c fiber.Ctx) error {
	if err := s.store.DeleteAccount(currentUser(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleBlock(c fiber.Ctx) error {
	var req struct {
		BlockedUserID string `json:"blockedUserId"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	if err := s.store.Block(currentUser(c), req.BlockedUserID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleUnblock(c fiber.Ctx) error {
	s.store.Unblock(currentUser(c), c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleBlocked(c fiber.Ctx) error {
	return c.JSON(s.store.BlockedUsers(currentUser(c)))
}

func (s *Server) handlePushToken(c fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	if err := s.store.SetPushToken(currentUser(c), req.Token); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleChangePassword(c fiber.Ctx) error {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decode(c, &req); err != nil {
		return err
	}
	if err := s.store.ChangePassword(currentUser(c), req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

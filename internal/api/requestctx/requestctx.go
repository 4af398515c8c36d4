// Package requestctx carries per-request identity between middleware and
// handlers.
package requestctx

import "github.com/gin-gonic/gin"

const (
	workspaceKey = "workspace_id"
	userKey      = "user_id"
)

// SetIdentity stores the caller's workspace and user on the request.
func SetIdentity(c *gin.Context, workspaceID, userID string) {
	c.Set(workspaceKey, workspaceID)
	c.Set(userKey, userID)
}

// WorkspaceID returns the caller's workspace, or empty when unset.
func WorkspaceID(c *gin.Context) string {
	return c.GetString(workspaceKey)
}

// UserID returns the caller's user, or empty when unset.
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}

package api

// createWorkflowRequest is the POST /workflows body.
type createWorkflowRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	WorktreeName string `json:"worktree_name,omitempty"`
	Profile      string `json:"profile,omitempty"`
	PlanNow      bool   `json:"plan_now,omitempty"`
	SkipApproval bool   `json:"skip_approval,omitempty"`
}

// commandRequest carries the optional human note on reject/replan.
type commandRequest struct {
	Reason   string `json:"reason,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// setPlanRequest is the PUT /workflows/:id/plan body.
type setPlanRequest struct {
	PlanMarkdown string `json:"plan_markdown"`
}

package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/maestro/internal/ibl"
)

// BindNetworkActions installs the network node on a dispatcher. The node
// spans project boundaries, so only the system AI's dispatcher gets it.
func BindNetworkActions(d *ibl.Dispatcher, deps SystemDeps) error {
	d.RegisterNode(&ibl.Node{
		Name:        "network",
		Description: "프로젝트 간 에이전트 연결 (시스템 AI 전용)",
		Actions: map[string]*ibl.ActionSpec{
			"list_agents": {
				Router:      ibl.RouterSystem,
				Usage:       `[network:list_agents]`,
				Description: "등록된 모든 프로젝트와 에이전트 조회",
			},
			"delegate": {
				Router:      ibl.RouterSystem,
				Usage:       `[network:delegate]("project_id,agent_id"){"message": "요청 내용"}`,
				Description: "다른 프로젝트의 에이전트에게 작업 위임",
			},
		},
	})
	if err := d.BindSystem("network", "list_agents", deps.handleNetworkList); err != nil {
		return err
	}
	return d.BindSystem("network", "delegate", deps.handleNetworkDelegate)
}

// handleNetworkList renders the live registry grouped by project. The
// system AI's own pseudo-project is elided; it already knows itself.
func (deps SystemDeps) handleNetworkList(ctx context.Context, step ibl.Step) ibl.Result {
	projects := deps.Registry.Projects()
	sort.Strings(projects)

	var b strings.Builder
	count := 0
	for _, pid := range projects {
		if pid == SystemProjectID {
			continue
		}
		ids := deps.Registry.AgentIDs(pid)
		sort.Strings(ids)
		fmt.Fprintf(&b, "%s: %s\n", pid, strings.Join(ids, ", "))
		count += len(ids)
	}
	if count == 0 {
		return ibl.OK("등록된 프로젝트 에이전트가 없습니다")
	}
	return ibl.OK(strings.TrimRight(b.String(), "\n"))
}

// handleNetworkDelegate implements cross-project delegation. The target is
// "project,agent"; everything past the lookup is the shared delegate path,
// so the child task lands in the target project's store while the parent
// bookkeeping stays in the system database.
func (deps SystemDeps) handleNetworkDelegate(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	project, agent, ok := strings.Cut(step.Target, ",")
	project = strings.TrimSpace(project)
	agent = strings.TrimSpace(agent)
	if !ok || project == "" || agent == "" {
		return ibl.Fail(ibl.ErrInvalidInput, `network:delegate target must be "project_id,agent_id"`)
	}
	message := paramString(step.Params, "message")
	if message == "" {
		message = paramString(step.Params, ibl.PrevResultKey)
	}
	if message == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "network:delegate needs a non-empty message param")
	}
	return deps.delegate(ctx, caller, project, agent, message)
}

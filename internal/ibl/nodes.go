package ibl

// registerBuiltins installs the node catalog. System actions ship without
// handlers; the runtime binds them via BindSystem before serving.
func registerBuiltins(d *Dispatcher) {
	d.RegisterNode(&Node{
		Name:        "source",
		Description: "외부 정보 수집 (검색, 웹 페이지)",
		Actions: map[string]*ActionSpec{
			"web_search": {
				Router:      RouterAPIEngine,
				API:         "web_search",
				Usage:       `[source:web_search]("검색어")`,
				Guide:       "guides/source.md",
				Description: "웹 검색 후 상위 결과 요약",
			},
			"web_fetch": {
				Router:      RouterAPIEngine,
				API:         "web_fetch",
				Usage:       `[source:web_fetch]("https://example.com")`,
				Guide:       "guides/source.md",
				Description: "URL 본문을 텍스트로 수집",
			},
		},
		Verbs: map[string]*VerbSpec{
			"get": {
				Routes: map[string]string{
					"search": "web_search",
					"url":    "web_fetch",
					"web":    "web_fetch",
				},
				Default: "web_search",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "system",
		Description: "에이전트 시스템 기능 (파일, 위임, 승인, 알림)",
		Actions: map[string]*ActionSpec{
			"file": {
				Router:      RouterSystem,
				Usage:       `[system:file]("read,outputs/report.md")`,
				Description: "작업 공간 파일 읽기/쓰기",
			},
			"notify": {
				Router:      RouterSystem,
				Usage:       `[system:notify]("사용자에게 보낼 내용")`,
				Description: "진행 상황을 사용자에게 즉시 알림",
			},
			"delegate": {
				Router:      RouterSystem,
				Usage:       `[system:delegate]("agent_id"){"message": "요청 내용"}`,
				Description: "다른 에이전트에게 작업 위임",
			},
			"ask_user": {
				Router:      RouterSystem,
				Usage:       `[system:ask_user]("질문 내용")`,
				Description: "사용자에게 질문하고 응답 대기",
			},
			"approval": {
				Router:      RouterSystem,
				Usage:       `[system:approval]("승인이 필요한 작업 설명")`,
				Description: "실행 전 사용자 승인 요청",
			},
			"todo": {
				Router:      RouterSystem,
				Usage:       `[system:todo]("add,오늘 할 일")`,
				Description: "할 일 목록 관리",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "messenger",
		Description: "외부 채널로 메시지 발송",
		Actions: map[string]*ActionSpec{
			"send": {
				Router:      RouterSystem,
				Usage:       `[messenger:send]("gmail,user@example.com"){"subject": "제목", "body": "본문"}`,
				Guide:       "guides/messenger.md",
				Description: "이메일/노스트르 메시지 발송",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "data",
		Description: "프로젝트 데이터 조회",
		Actions: map[string]*ActionSpec{
			"query": {
				Router:      RouterDriver,
				Usage:       `[data:query]("SELECT task_id, status FROM tasks LIMIT 10")`,
				Guide:       "guides/data.md",
				Description: "로컬 데이터베이스 읽기 전용 질의",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "workflow",
		Description: "저장된 파이프라인 실행",
		Actions: map[string]*ActionSpec{
			"run": {
				Router:      RouterWorkflow,
				Usage:       `[workflow:run]("daily_briefing")`,
				Description: "이름으로 등록된 파이프라인 실행",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "stream",
		Description: "미디어 생성/가공 (예정)",
		Actions: map[string]*ActionSpec{
			"generate": {
				Router:      RouterStub,
				Phase:       "phase-2",
				Description: "이미지/영상 생성",
			},
			"transform": {
				Router:      RouterStub,
				Phase:       "phase-2",
				Description: "미디어 변환",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "forge",
		Description: "코드 실행 샌드박스 (예정)",
		Actions: map[string]*ActionSpec{
			"run": {
				Router:      RouterStub,
				Phase:       "phase-3",
				Description: "샌드박스 코드 실행",
			},
		},
	})

	d.RegisterNode(&Node{
		Name:        "interface",
		Description: "동적 UI 구성 (예정)",
		Actions: map[string]*ActionSpec{
			"render": {
				Router:      RouterStub,
				Phase:       "phase-3",
				Description: "대시보드 카드 렌더링",
			},
		},
	})

	// Role files written for earlier releases still use the old node
	// names.
	d.RegisterAlias("browser", "source")
	d.RegisterAlias("media", "stream")
	d.RegisterAlias("studio", "forge")
	d.RegisterAlias("ui", "interface")
	d.RegisterAlias("dm", "messenger")
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docket/internal/client"
)

var (
	serverURL string
	workflow  *client.Workflow
	api       *client.Client
	snapshot  *client.Snapshot
)

func main() {
	globalFlags := flag.NewFlagSet("global", flag.ExitOnError)
	serverFlag := globalFlags.String("server", envOr("DOCKET_SERVER", "http://localhost:8484"), "Docket API base URL")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	commandIdx := 1
	for i := 1; i < len(os.Args); i++ {
		if !strings.HasPrefix(os.Args[i], "-") {
			commandIdx = i
			break
		}
	}
	if commandIdx > 1 {
		globalFlags.Parse(os.Args[1:commandIdx])
	}
	serverURL = *serverFlag

	snapshot = client.NewSnapshot()
	api = client.New(serverURL, client.NewSessionStore(client.DefaultSessionPath()))
	workflow = client.NewWorkflow(api, snapshot)

	command := os.Args[commandIdx]
	args := os.Args[commandIdx+1:]

	switch command {
	case "login":
		runLogin(args)
	case "logout":
		api.Logout()
		fmt.Println("Logged out.")
	case "whoami":
		runWhoami()
	case "list":
		listFlags := flag.NewFlagSet("list", flag.ExitOnError)
		status := listFlags.String("status", "", "Filter by status")
		listFlags.Parse(args)
		runList(*status)
	case "open":
		runOpen(requireID(command, args))
	case "submit":
		submitFlags := flag.NewFlagSet("submit", flag.ExitOnError)
		summary := submitFlags.String("summary", "", "Changes summary recorded with the submission")
		submitFlags.Parse(args)
		runSubmit(requireID(command, submitFlags.Args()), *summary)
	case "sendback":
		sendbackFlags := flag.NewFlagSet("sendback", flag.ExitOnError)
		notes := sendbackFlags.String("notes", "", "Notes for the reviewer")
		sendbackFlags.Parse(args)
		runSendBack(requireID(command, sendbackFlags.Args()), *notes)
	case "approve":
		runApprove(requireID(command, args))
	case "assign":
		if len(args) < 2 {
			fatalUsage("Usage: docket assign <document-id> <approver-id> [approver-id...]")
		}
		runAssign(args[0], args[1:])
	case "save":
		saveFlags := flag.NewFlagSet("save", flag.ExitOnError)
		file := saveFlags.String("file", "", "File whose contents become the new document body")
		summary := saveFlags.String("summary", "", "Changes summary recorded with the edit")
		saveFlags.Parse(args)
		runSave(requireID(command, saveFlags.Args()), *file, *summary)
	case "history":
		historyFlags := flag.NewFlagSet("history", flag.ExitOnError)
		limit := historyFlags.Int("limit", 20, "Maximum commits to show")
		historyFlags.Parse(args)
		runHistory(requireID(command, historyFlags.Args()), *limit)
	case "watch":
		runWatch()
	case "chat":
		chatFlags := flag.NewFlagSet("chat", flag.ExitOnError)
		filetype := chatFlags.String("filetype", "", "Document filetype hint for the assistant")
		chatFlags.Parse(args)
		runChat(requireID(command, chatFlags.Args()), *filetype)
	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		domain := checkFlags.String("domain", "general", "Compliance domain (gdpr, hipaa, ...)")
		checkFlags.Parse(args)
		runCheck(requireID(command, checkFlags.Args()), *domain)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runLogin(args []string) {
	if len(args) < 1 {
		fatalUsage("Usage: docket login <email>")
	}
	email := args[0]

	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		fatal(err)
	}

	if err := api.Login(context.Background(), email, strings.TrimSpace(password)); err != nil {
		fatal(err)
	}
	fmt.Printf("Logged in as %s.\n", email)
}

func runWhoami() {
	creds, ok := api.Session()
	if !ok {
		fmt.Println("Not logged in.")
		os.Exit(1)
	}
	fmt.Printf("%s (%s), session expires %s\n", creds.Email, creds.Role, creds.ExpiresAt.Format(time.RFC3339))
}

func runList(status string) {
	docs, err := api.ListDocuments(context.Background(), status)
	if err != nil {
		fatal(err)
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return
	}
	for _, doc := range docs {
		fmt.Printf("%-12s  %-14s  %-8s  %s\n", doc.ID, doc.Status, doc.Priority, doc.Title)
	}
}

func runOpen(id string) {
	doc, err := workflow.Open(context.Background(), id)
	if err != nil {
		fatal(err)
	}
	printDocument(doc)
}

func runSubmit(id, summary string) {
	doc, err := workflow.Submit(context.Background(), id, summary)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s is now %s.\n", doc.ID, doc.Status)
}

func runSendBack(id, notes string) {
	doc, err := workflow.SendBack(context.Background(), id, notes)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s is now %s.\n", doc.ID, doc.Status)
}

func runApprove(id string) {
	doc, already, err := workflow.Approve(context.Background(), id)
	if err != nil {
		fatal(err)
	}
	if already {
		fmt.Printf("%s was already approved.\n", doc.ID)
		return
	}
	fmt.Printf("%s approved.\n", doc.ID)
}

func runAssign(id string, approverIDs []string) {
	doc, err := workflow.AssignApprovers(context.Background(), id, approverIDs)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s approvers: %s\n", doc.ID, strings.Join(doc.Approvers, ", "))
}

func runSave(id, file, summary string) {
	if file == "" {
		fatalUsage("Usage: docket save --file=<path> [--summary=<text>] <document-id>")
	}
	content, err := os.ReadFile(file)
	if err != nil {
		fatal(err)
	}
	doc, err := workflow.SaveContent(context.Background(), id, content, summary)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Saved %d bytes to %s.\n", len(content), doc.ID)
}

func runHistory(id string, limit int) {
	commits, err := api.DocumentHistory(context.Background(), id, limit)
	if err != nil {
		fatal(err)
	}
	for _, commit := range commits {
		fmt.Printf("%s  %s  %s  %s\n", commit.Hash[:8], commit.Timestamp.Format("2006-01-02 15:04"), commit.Author, commit.Message)
	}
}

// runWatch follows the push channel and prints every reconciled change
// until interrupted.
func runWatch() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reconciler := client.NewReconciler(api, snapshot)
	if err := reconciler.Refresh(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("Watching %d documents. Ctrl-C to stop.\n", snapshot.Len())

	unsubscribe := snapshot.OnChange(func(doc client.Document) {
		fmt.Printf("%s  %-12s  %-14s  %s\n", time.Now().Format("15:04:05"), doc.ID, doc.Status, doc.Title)
	})
	defer unsubscribe()

	reconciler.Run(ctx)
}

// runChat is an interactive assistant loop scoped to one document. Each
// line typed supersedes any response still streaming.
func runChat(id, filetype string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := client.NewChatSession(api, id, filetype)
	fmt.Printf("Chatting about %s. Empty line exits.\n", id)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			break
		}
		session.Send(ctx, query)
		session.Wait()
		turns := session.Turns()
		fmt.Println(turns[len(turns)-1].Text)
	}
	session.CancelActive()
	session.Wait()
}

func runCheck(id, domain string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := client.NewChatSession(api, id, "")
	session.CheckCompliance(ctx, domain)
	turns := session.Turns()
	fmt.Println(turns[len(turns)-1].Text)
}

func printDocument(doc client.Document) {
	fmt.Printf("%s  %s\n", doc.ID, doc.Title)
	fmt.Printf("  status:    %s\n", doc.Status)
	fmt.Printf("  priority:  %s\n", doc.Priority)
	if doc.ReviewerID != "" {
		fmt.Printf("  reviewer:  %s\n", doc.ReviewerID)
	}
	if len(doc.Approvers) > 0 {
		fmt.Printf("  approvers: %s\n", strings.Join(doc.Approvers, ", "))
	}
	if doc.Notes != "" {
		fmt.Printf("  notes:     %s\n", doc.Notes)
	}
	if doc.ChangesSummary != "" {
		fmt.Printf("  changes:   %s\n", doc.ChangesSummary)
	}
}

func requireID(command string, args []string) string {
	if len(args) < 1 {
		fatalUsage(fmt.Sprintf("Usage: docket %s <document-id>", command))
	}
	return args[0]
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func fatalUsage(usage string) {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Docket - document review workflow client")
	fmt.Println()
	fmt.Println("Usage: docket [--server=<url>] <command> [flags] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login <email>                      Sign in; the session persists on disk")
	fmt.Println("  logout                             Drop the stored session")
	fmt.Println("  whoami                             Show the active session")
	fmt.Println("  list [--status=<s>]                List documents")
	fmt.Println("  open <id>                          Open a document, claiming it when allowed")
	fmt.Println("  save --file=<path> <id>            Upload an edited body")
	fmt.Println("  submit [--summary=<text>] <id>     Send to the assigned approvers")
	fmt.Println("  sendback [--notes=<text>] <id>     Return to the reviewer")
	fmt.Println("  approve <id>                       Approve (terminal)")
	fmt.Println("  assign <id> <approver-id>...       Add approvers")
	fmt.Println("  history [--limit=<n>] <id>         Show the document's change log")
	fmt.Println("  watch                              Follow live document updates")
	fmt.Println("  chat [--filetype=<t>] <id>         Ask the assistant about a document")
	fmt.Println("  check [--domain=<d>] <id>          Run a compliance check")
}

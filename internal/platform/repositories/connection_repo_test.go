package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/database/dbtest"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/vault"
)

func TestConnectionRoundTrip(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewConnectionRepository(db, vault.New("test-key"))

	qr := "2@abc"
	conn := &models.Connection{
		TenantID:         "tenant_1",
		Provider:         "evolution",
		RemoteInstanceID: "unit_1",
		Status:           models.ConnectionQR,
		WebhookSecret:    "s3cret",
		Credentials:      models.Credentials{"api_key": "k"},
		QRPayload:        &qr,
	}
	if err := repo.Create(ctx, conn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByInstance(ctx, "unit_1", "evolution", "s3cret")
	if err != nil || got == nil {
		t.Fatalf("GetByInstance() = %v, %v", got, err)
	}
	if got.Credentials.Get("api_key") != "k" {
		t.Errorf("credentials not restored: %v", got.Credentials)
	}
	if got.QRPayload == nil || *got.QRPayload != qr {
		t.Errorf("qr payload not restored")
	}

	miss, err := repo.GetByInstance(ctx, "unit_1", "evolution", "wrong")
	if err != nil || miss != nil {
		t.Errorf("expected nil, nil for wrong secret, got %v, %v", miss, err)
	}

	dup := *conn
	if err := repo.Create(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for second connection of tenant, got %v", err)
	}

	got.Status = models.ConnectionConnected
	got.QRPayload = nil
	if err := repo.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := repo.GetByTenant(ctx, "tenant_1")
	if again.Status != models.ConnectionConnected || again.QRPayload != nil {
		t.Errorf("update not persisted: %+v", again)
	}
	if again.WebhookSecret != "s3cret" {
		t.Errorf("webhook secret changed")
	}
}

func TestConnectionGetByTenantNotFound(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer raw.Close()

	repo := NewConnectionRepository(database.Wrap(raw, database.DialectSQLite), vault.New(""))

	mock.ExpectQuery("SELECT (.+) FROM connections WHERE tenant_id = ?").
		WithArgs("tenant_404").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := repo.GetByTenant(context.Background(), "tenant_404")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil, got %v, %v", got, err)
	}

	mock.ExpectQuery("SELECT (.+) FROM connections WHERE tenant_id = ?").
		WithArgs("tenant_err").
		WillReturnError(errors.New("disk I/O error"))

	if _, err := repo.GetByTenant(context.Background(), "tenant_err"); err == nil {
		t.Error("expected error to propagate")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestContactResolveOrCreate(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewContactRepository(db)

	first, created, err := repo.ResolveOrCreate(ctx, "tenant_1", "5511999998888", "")
	if err != nil || !created {
		t.Fatalf("first ResolveOrCreate() created=%v err=%v", created, err)
	}
	second, created, err := repo.ResolveOrCreate(ctx, "tenant_1", "5511999998888", "Ana")
	if err != nil || created {
		t.Fatalf("second ResolveOrCreate() created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same contact")
	}
	if second.Name != "Ana" {
		t.Errorf("expected name to be filled in, got %q", second.Name)
	}

	if err := repo.AddTag(ctx, "tenant_1", first.ID, "vip"); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddTag(ctx, "tenant_1", first.ID, "vip"); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetStage(ctx, "tenant_1", first.ID, "qualified"); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetByID(ctx, "tenant_1", first.ID)
	if len(got.Tags) != 1 || got.Tags[0] != "vip" || got.Stage != "qualified" {
		t.Errorf("unexpected contact %+v", got)
	}
}

func TestCorruptJSONColumnsAreReported(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	contacts := NewContactRepository(db)
	c, _, err := contacts.ResolveOrCreate(ctx, "tenant_1", "5511999998888", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE contacts SET tags = ? WHERE id = ?`, "{not json", c.ID); err != nil {
		t.Fatal(err)
	}
	if got, err := contacts.GetByID(ctx, "tenant_1", c.ID); err == nil {
		t.Errorf("GetByID() = %+v, want decode error", got)
	}

	flows := NewFlowRepository(db)
	flow := &models.AutomationFlow{
		TenantID:    "tenant_1",
		Name:        "welcome",
		TriggerType: models.TriggerNewMessage,
		Actions:     []models.Action{{Type: models.ActionAddTag, Config: map[string]string{"tag": "x"}}},
		Active:      true,
	}
	if err := flows.Create(ctx, flow); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE automation_flows SET actions = ? WHERE id = ?`, "[{", flow.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := flows.GetByID(ctx, "tenant_1", flow.ID); err == nil {
		t.Error("GetByID() on corrupt actions returned no error")
	}
}
